//go:build !unix

package command

import "os/exec"

// killGroupOnCancel keeps the exec default of killing only the direct child.
// WaitDelay still bounds the wait on inherited pipes.
func killGroupOnCancel(*exec.Cmd) {}
