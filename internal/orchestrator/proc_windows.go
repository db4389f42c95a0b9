//go:build windows

package orchestrator

import "os/exec"

func configureWorkerProcess(cmd *exec.Cmd) {}

func killWorkerProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
