package server

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Status is the snapshot spec.md §4.8 defines: a space-separated
// key=value line the control socket's `status` command renders.
type Status struct {
	Pid            int
	Size           uint64
	HasControl     bool
	IsMirroring    bool
	ClientsAllowed bool
	NumClients     int

	MigrationDuration time.Duration
	MigrationSpeed    float64 // bytes/sec, average over MigrationDuration
	SpeedLimit        uint64  // bytes/sec, 0 = unlimited
	SecondsLeft       float64
	BytesLeft         uint64
}

// MirrorProgress is implemented by the mirror engine so Server.Status can
// report migration fields without pkg/server importing pkg/mirror.
type MirrorProgress interface {
	Duration() time.Duration
	Speed() float64
	SpeedLimit() uint64
	SecondsLeft() float64
	BytesLeft() uint64
}

// mirrorProgress is set by the mirror supervisor while a mirror attempt is
// in flight; nil otherwise. Reads/writes happen under lStartMirror, per
// spec.md §4.4/§4.8 ("gathered under l_start_mirror").
func (s *Server) SetMirrorProgress(p MirrorProgress) {
	s.lStartMirror.Lock(tokenMirrorSupervisor)
	s.mirrorProgress = p
	s.mirrorActive = p != nil
	s.lStartMirror.Unlock()
}

// Status gathers a consistent point-in-time snapshot under l_start_mirror,
// per spec.md §4.8.
func (s *Server) Status() Status {
	s.lStartMirror.Lock(tokenControl)
	defer s.lStartMirror.Unlock()

	st := Status{
		Pid:            os.Getpid(),
		Size:           s.file.Size(),
		HasControl:     s.HasControl(),
		IsMirroring:    s.mirrorActive,
		ClientsAllowed: s.AllowNewClientsState(),
		NumClients:     s.NumClients(),
	}
	if s.mirrorProgress != nil {
		st.MigrationDuration = s.mirrorProgress.Duration()
		st.MigrationSpeed = s.mirrorProgress.Speed()
		st.SpeedLimit = s.mirrorProgress.SpeedLimit()
		st.SecondsLeft = s.mirrorProgress.SecondsLeft()
		st.BytesLeft = s.mirrorProgress.BytesLeft()
	}
	return st
}

// Render writes the status as the LF-terminated, space-separated
// key=value line spec.md §4.8 specifies.
func (st Status) Render() string {
	fields := []string{
		fmt.Sprintf("pid=%d", st.Pid),
		fmt.Sprintf("size=%d", st.Size),
		fmt.Sprintf("has_control=%t", st.HasControl),
		fmt.Sprintf("is_mirroring=%t", st.IsMirroring),
		fmt.Sprintf("clients_allowed=%t", st.ClientsAllowed),
		fmt.Sprintf("num_clients=%d", st.NumClients),
	}
	if st.IsMirroring {
		fields = append(fields,
			fmt.Sprintf("migration_duration=%.0f", st.MigrationDuration.Seconds()),
			fmt.Sprintf("migration_speed=%.0f", st.MigrationSpeed),
		)
		if st.SpeedLimit != 0 {
			fields = append(fields, fmt.Sprintf("migration_speed_limit=%d", st.SpeedLimit))
		}
		fields = append(fields,
			fmt.Sprintf("migration_seconds_left=%.0f", st.SecondsLeft),
			fmt.Sprintf("migration_bytes_left=%d", st.BytesLeft),
		)
	}
	return strings.Join(fields, " ") + "\n"
}
