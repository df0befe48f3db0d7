package datarecording

import (
	"os"
	"strings"
	"time"
)

const execTable = "exec_info"

// execInfo is one property of the program execution.
type execInfo struct {
	Property string
	Value    string
}

// Records program execution
type execRecorder struct {
	recorder DataRecorder
	entries  []execInfo
}

func newExecRecorder(recorder DataRecorder) *execRecorder {
	recorder.CreateTable(execTable, execInfo{})

	return &execRecorder{recorder: recorder}
}

// Start notes the start time, the command line and the working directory.
func (e *execRecorder) Start() {
	e.entries = append(e.entries,
		execInfo{"Start Time", timestamp()},
		execInfo{"Command", strings.Join(os.Args, " ")},
	)

	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	e.entries = append(e.entries, execInfo{"Working Directory", cwd})
}

// End writes the collected properties along with the exit time.
func (e *execRecorder) End() {
	for _, entry := range e.entries {
		e.recorder.InsertData(execTable, entry)
	}

	e.recorder.InsertData(execTable, execInfo{"End Time", timestamp()})

	e.entries = nil
}

func timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05.000000000")
}
