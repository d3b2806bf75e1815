//go:build !unix

package command

import "os/exec"

func configureProcessGroup(_ *exec.Cmd) {}
