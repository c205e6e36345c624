package session

// State is the state of a session's splice loop.
type State int32

const (
	// StateRunning means the pumps are being polled.
	StateRunning State = iota
	// StateSuspended means both pumps had no work and the task waits for
	// upstream readiness or a wake from the receive hook.
	StateSuspended
	// StateTerminated is final: a pump failed or the task was terminated.
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Splice alternates the forward and backward pumps until either fails or the
// task is terminated. A direction that failed is not polled again.
func (s *UDPSession) Splice() {
	s.logger.Debug("udp session splice")

	task := s.base.task
	resF, resB := PumpWorkDone, PumpWorkDone

	for !task.Terminated() {
		if resF != PumpError {
			resF = s.forward()
		}
		if resB != PumpError {
			resB = s.backward()
		}
		if resF == PumpError || resB == PumpError {
			break
		}

		kind := YieldWaitIO
		if resF == PumpWorkDone || resB == PumpWorkDone {
			kind = YieldImmediate
		} else {
			s.setState(StateSuspended)
			s.metrics.RecordSuspend()
		}

		if err := task.Yield(kind, s.upstream.Ready()); err != nil {
			break
		}
		s.setState(StateRunning)
	}

	s.setState(StateTerminated)
}
