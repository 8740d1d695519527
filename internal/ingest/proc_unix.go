//go:build unix

package ingest

import "syscall"

// setpgidAttr makes the segmenter the leader of a new process group, so
// stop() can signal the whole group at once and reach ffmpeg's own
// children.
func setpgidAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
