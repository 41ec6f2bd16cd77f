package bussun

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const waitPidErrorMessage = "waitpid ret value: %d"

// TracedProgram is a process whose threads are all stopped by ptrace. While
// it is held nothing in the process runs, so its memory can be patched
// without racing its own CPU thread.
type TracedProgram struct {
	pid     int
	tids    []int
	Entries []Entry

	logger *zap.Logger
}

// Pid return the pid of traced program
func (p *TracedProgram) Pid() int {
	return p.pid
}

func waitPid(pid int) error {
	status := unix.WaitStatus(0)
	wpid, err := unix.Wait4(pid, &status, unix.WALL, nil)
	if err != nil {
		return err
	}

	if wpid == pid {
		return nil
	}

	return fmt.Errorf(waitPidErrorMessage, wpid)
}

func isGone(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such process")
}

// Trace seizes and interrupts every thread of a process. Threads spawned while
// attaching are picked up by rescanning until the set stops growing.
func Trace(pid int, logger *zap.Logger) (*TracedProgram, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	traceSuccess := false

	tidMap := make(map[int]bool)
	var attachedTids []int

	// detach whatever got attached if we bail out half way
	defer func() {
		if !traceSuccess {
			for _, tid := range attachedTids {
				if err := unix.PtraceDetach(tid); err != nil && !isGone(err) {
					logger.Warn("detach failed", zap.Int("tid", tid), zap.Error(err))
				}
			}
		}
	}()

	for {
		threads, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
		if err != nil {
			return nil, err
		}

		subset := true
		tids := make(map[int]bool)
		for _, thread := range threads {
			tid64, err := strconv.ParseInt(thread.Name(), 10, 32)
			if err != nil {
				return nil, err
			}
			tid := int(tid64)

			if tidMap[tid] {
				tids[tid] = true
				continue
			}
			subset = false

			if err = unix.PtraceSeize(tid); err != nil {
				return nil, err
			}
			if err = unix.PtraceInterrupt(tid); err != nil {
				return nil, err
			}
			attachedTids = append(attachedTids, tid)

			if err = waitPid(tid); err != nil {
				return nil, err
			}

			logger.Debug("attach successfully", zap.Int("tid", tid))
			tids[tid] = true
			tidMap[tid] = true
		}

		if subset {
			tidMap = tids
			break
		}
	}

	var tidsList []int
	for tid := range tidMap {
		tidsList = append(tidsList, tid)
	}
	slices.Sort(tidsList)

	entries, err := ReadMaps(pid)
	if err != nil {
		return nil, err
	}

	traceSuccess = true
	return &TracedProgram{
		pid:     pid,
		tids:    tidsList,
		Entries: entries,
		logger:  logger,
	}, nil
}

// Detach lets every thread run again. It keeps going after a failure and
// returns all of them.
func (p *TracedProgram) Detach() error {
	var errs error
	for _, tid := range p.tids {
		p.logger.Debug("detaching", zap.Int("tid", tid))
		if err := unix.PtraceDetach(tid); err != nil && !isGone(err) {
			errs = multierr.Append(errs, fmt.Errorf("%v detach tid %d", err, tid))
		}
	}
	if errs == nil {
		p.logger.Debug("successfully detach and rerun process", zap.Int("pid", p.pid))
	}
	return errs
}
