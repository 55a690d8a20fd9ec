// Copyright 2025 Agentside
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"os/exec"
	"strconv"
	"syscall"

	"github.com/agentside/plugind/internal/manifest"
)

// SpawnSpec describes one worker process invocation.
type SpawnSpec struct {
	Manifest *manifest.Manifest
	OrgID    string
	Port     int
	// Env is the complete child environment, already built.
	Env []string
}

// defaultCommand builds the runner invocation:
//
//	node <entry> --plugin <source> --org <org> --port <port> --mode worker
func defaultCommand(spec SpawnSpec) *exec.Cmd {
	mf := spec.Manifest

	source := mf.Runner.Source
	if source == "" {
		source = mf.Path()
	}

	args := []string{
		mf.Runner.Entry,
		"--plugin", source,
		"--org", spec.OrgID,
		"--port", strconv.Itoa(spec.Port),
		"--mode", "worker",
	}
	args = append(args, mf.Runner.Args...)

	cmd := exec.Command(mf.RunnerCommand(), args...)
	cmd.Env = spec.Env
	// Own process group so signals aimed at the worker never reach the
	// daemon, and vice versa.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}
