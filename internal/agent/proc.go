package agent

import (
	"io"
	"io/fs"
	"os/exec"
	"sync/atomic"
	"syscall"

	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/mux"
	"github.com/guestkit/guestkit/internal/protocol"
)

// serveProc spawns one process and reports its exit on the same stream.
func (a *Agent) serveProc(s *mux.Stream) {
	defer s.Close()

	var req protocol.ProcRequest
	if err := s.RecvMsg(nil, &req); err != nil {
		return
	}
	if len(req.Args) == 0 {
		s.SendMsg(nil, protocol.ProcStarted{Err: protocol.WireErrorFrom(fs.ErrInvalid)})
		return
	}

	cmd := exec.Command(req.Args[0], req.Args[1:]...)
	cmd.Env = req.Env
	if req.Dir != "" {
		cmd.Dir = a.rooted(req.Dir)
	}
	if req.User != "" {
		uid, gid, err := model.ParseUser(req.User)
		if err != nil {
			s.SendMsg(nil, protocol.ProcStarted{Err: protocol.WireErrorFrom(err)})
			return
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
		}
	}

	var stdio []*mux.Stream
	claim := func(id uint32) (*mux.Stream, error) {
		st, err := a.conn.ClaimStream(id)
		if err != nil {
			return nil, err
		}
		stdio = append(stdio, st)
		return st, nil
	}
	closeStdio := func() {
		for _, st := range stdio {
			st.Close()
		}
	}

	var stdoutS, stderrS *mux.Stream
	if req.StdinStream != 0 {
		st, err := claim(req.StdinStream)
		if err != nil {
			closeStdio()
			s.SendMsg(nil, protocol.ProcStarted{Err: protocol.WireErrorFrom(err)})
			return
		}
		cmd.Stdin = streamReader{st}
	}
	if req.StdoutStream != 0 {
		st, err := claim(req.StdoutStream)
		if err != nil {
			closeStdio()
			s.SendMsg(nil, protocol.ProcStarted{Err: protocol.WireErrorFrom(err)})
			return
		}
		stdoutS = st
		cmd.Stdout = streamWriter{st}
	}
	if req.StderrStream != 0 {
		st, err := claim(req.StderrStream)
		if err != nil {
			closeStdio()
			s.SendMsg(nil, protocol.ProcStarted{Err: protocol.WireErrorFrom(err)})
			return
		}
		stderrS = st
		cmd.Stderr = streamWriter{st}
	}

	if err := cmd.Start(); err != nil {
		closeStdio()
		s.SendMsg(nil, protocol.ProcStarted{Err: protocol.WireErrorFrom(err)})
		return
	}

	if err := s.SendMsg(nil, protocol.ProcStarted{PID: int32(cmd.Process.Pid)}); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		closeStdio()
		return
	}

	a.logger.WithValues(log.Kv{"argv0": req.Args[0], "pid": cmd.Process.Pid}).Debugf("process started")

	var killed atomic.Bool
	go func() {
		var k protocol.ProcKill
		if err := s.RecvMsg(nil, &k); err == nil && k.Kill {
			killed.Store(true)
			cmd.Process.Kill()
		}
	}()

	err := cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
	}

	// Output copies are flushed by Wait; half-close the streams so host
	// readers observe EOF before the exit report lands.
	if stdoutS != nil {
		stdoutS.CloseWrite(nil)
	}
	if stderrS != nil {
		stderrS.CloseWrite(nil)
	}

	s.SendMsg(nil, protocol.ProcExit{Code: int32(code), Killed: killed.Load()})
	closeStdio()
}

// streamReader adapts a stdio stream to io.Reader for process stdin.
type streamReader struct {
	s *mux.Stream
}

func (r streamReader) Read(p []byte) (int, error) {
	n, err := r.s.Read(nil, p)
	if err != nil && err != io.EOF {
		return n, io.EOF
	}
	return n, err
}

// streamWriter adapts a stdio stream to io.Writer for process output.
type streamWriter struct {
	s *mux.Stream
}

func (w streamWriter) Write(p []byte) (int, error) {
	return w.s.Write(nil, p)
}
