// Package build executes instruction chains against guest instances and
// caches the result of every step as a snapshot. Cache keys are derived
// from the source identity and the instruction chain, so a rebuild replays
// only the steps after the first change.
package build

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/instance"
)

// Instruction is one build step. Key must be derivable without executing
// the step, so cached steps are skipped without booting anything.
type Instruction interface {
	// Key derives the cache key of the state after this step, given the key
	// of the state before it.
	Key(prev digest.Digest) (digest.Digest, error)
	// Apply executes the step against a running instance.
	Apply(token *cancel.Token, inst *instance.Instance) error
	// Describe returns a short human form for logs.
	Describe() string
}

// Run executes a command in the guest.
type Run struct {
	Args []string
	Env  []string
	Dir  string
}

// Key satisfies Instruction.
func (r Run) Key(prev digest.Digest) (digest.Digest, error) {
	parts := []string{prev.String(), "run", strings.Join(r.Args, "\x1f"), strings.Join(r.Env, "\x1f"), r.Dir}
	return digest.FromString(strings.Join(parts, "\x00")), nil
}

// Apply satisfies Instruction.
func (r Run) Apply(token *cancel.Token, inst *instance.Instance) error {
	cmd := inst.Command(r.Args...)
	cmd.Env = r.Env
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput(token)
	if err != nil {
		return fmt.Errorf("step %q failed: %w (output: %s)", r.Describe(), err, tail(out, 512))
	}
	return nil
}

// Describe satisfies Instruction.
func (r Run) Describe() string { return "run " + strings.Join(r.Args, " ") }

// Copy copies a host file or directory into the guest. The cache key covers
// the host content, so edits on the host invalidate the step.
type Copy struct {
	// Src is the host path.
	Src string
	// Dest is the guest path.
	Dest string
}

// Key satisfies Instruction.
func (c Copy) Key(prev digest.Digest) (digest.Digest, error) {
	sum, err := hashHostPath(c.Src)
	if err != nil {
		return "", fmt.Errorf("could not hash %s: %w", c.Src, err)
	}
	return digest.FromString(prev.String() + "\x00copy\x00" + sum + "\x00" + c.Dest), nil
}

// Apply satisfies Instruction.
func (c Copy) Apply(token *cancel.Token, inst *instance.Instance) error {
	info, err := os.Stat(c.Src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyHostFile(token, inst, c.Src, c.Dest, info.Mode().Perm())
	}

	return filepath.WalkDir(c.Src, func(hostPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.Src, hostPath)
		if err != nil {
			return err
		}
		guestPath := c.Dest
		if rel != "." {
			guestPath = guestPath + "/" + filepath.ToSlash(rel)
		}
		fi, err := entry.Info()
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return inst.FS().MkdirAll(token, guestPath, fi.Mode().Perm())
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		return copyHostFile(token, inst, hostPath, guestPath, fi.Mode().Perm())
	})
}

// Describe satisfies Instruction.
func (c Copy) Describe() string { return fmt.Sprintf("copy %s %s", c.Src, c.Dest) }

// CopyContent writes literal content into the guest.
type CopyContent struct {
	Dest string
	Data []byte
	Mode fs.FileMode
}

// NewCopyContent buffers a reader into a content instruction.
func NewCopyContent(r io.Reader, dest string, mode fs.FileMode) (CopyContent, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return CopyContent{}, fmt.Errorf("could not read content for %s: %w", dest, err)
	}
	return CopyContent{Dest: dest, Data: data, Mode: mode}, nil
}

// Key satisfies Instruction.
func (c CopyContent) Key(prev digest.Digest) (digest.Digest, error) {
	sum := blake3.Sum256(c.Data)
	return digest.FromString(fmt.Sprintf("%s\x00content\x00%x\x00%s\x00%o", prev, sum, c.Dest, c.Mode)), nil
}

// Apply satisfies Instruction.
func (c CopyContent) Apply(token *cancel.Token, inst *instance.Instance) error {
	mode := c.Mode
	if mode == 0 {
		mode = 0o644
	}
	return inst.FS().WriteFile(token, c.Dest, c.Data, mode)
}

// Describe satisfies Instruction.
func (c CopyContent) Describe() string { return "copy content " + c.Dest }

func copyHostFile(token *cancel.Token, inst *instance.Instance, hostPath, guestPath string, mode fs.FileMode) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}
	return inst.FS().WriteFile(token, guestPath, data, mode)
}

// hashHostPath hashes a host file, or a directory tree with relative paths
// and modes folded in.
func hashHostPath(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	h := blake3.New()

	hashFile := func(rel, hostPath string, mode fs.FileMode) error {
		fmt.Fprintf(h, "%s\x00%o\x00", rel, mode.Perm())
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(h, f)
		return err
	}

	if !info.IsDir() {
		if err := hashFile(filepath.Base(p), p, info.Mode()); err != nil {
			return "", err
		}
		return fmt.Sprintf("%x", h.Sum(nil)), nil
	}

	var files []string
	err = filepath.WalkDir(p, func(hostPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			files = append(files, hostPath)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)
	for _, f := range files {
		rel, err := filepath.Rel(p, f)
		if err != nil {
			return "", err
		}
		fi, err := os.Stat(f)
		if err != nil {
			return "", err
		}
		if err := hashFile(filepath.ToSlash(rel), f, fi.Mode()); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
