package agent

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opentee/teec/internal/logger"
	"github.com/opentee/teec/teec"
)

// MiscCmd enumerates the miscellaneous agent's command set.
type MiscCmd uint32

const (
	MiscNVInfo MiscCmd = iota
	MiscGetTime
)

// MiscAgentID is the registered agent id the misc channel uses.
const MiscAgentID = 0x4d495343 // "MISC"

// MiscControlBufSize mirrors the fs channel's buffer size; the misc control
// struct is far smaller but the driver hands out fixed-size buffers.
const MiscControlBufSize = 4096

// MiscAgent services NV-info passthrough and get-time-of-day, and separately
// drives a periodic SYNC_SYS_TIME push into the TEE on a cron schedule.
type MiscAgent struct {
	driver  *teec.Driver
	nvInfo  []byte
	cronJob *cron.Cron
	log     logger.Logger
}

// NewMiscAgent holds nvInfo as an opaque blob forwarded verbatim on
// SEC_NV_INFO requests; its contents are driver-specific and not
// interpreted here.
func NewMiscAgent(nvInfo []byte) *MiscAgent {
	return &MiscAgent{
		nvInfo: nvInfo,
		log:    logger.AddContext(logger.Ctx{"agent": "misc"}),
	}
}

// Register opens the misc channel and returns it ready for a Group.
func (a *MiscAgent) Register(driver *teec.Driver) (*Channel, error) {
	a.driver = driver
	return Open(driver, "misc", MiscAgentID, MiscControlBufSize, a.Dispatch)
}

// StartTimeSync schedules a periodic SYNC_SYS_TIME push on spec using
// robfig/cron, replacing a hand-rolled ticker goroutine with the same
// scheduler the rest of the pack reaches for when it needs cron syntax
// rather than a fixed interval.
func (a *MiscAgent) StartTimeSync(spec string) error {
	a.cronJob = cron.New()

	_, err := a.cronJob.AddFunc(spec, func() {
		now := time.Now()
		if err := a.driver.SyncSystemTime(now.Unix(), int32(now.Nanosecond()/1_000_000)); err != nil {
			a.log.Warn("sync system time failed", logger.Ctx{"error": err.Error()})
		}
	})
	if err != nil {
		return fmt.Errorf("agent/misc: schedule time sync: %w", err)
	}

	a.cronJob.Start()

	return nil
}

// StopTimeSync halts the periodic push, if started.
func (a *MiscAgent) StopTimeSync() {
	if a.cronJob != nil {
		a.cronJob.Stop()
	}
}

func (a *MiscAgent) Dispatch(control []byte) []byte {
	if len(control) < 4 {
		return control
	}

	cmd := MiscCmd(binary.LittleEndian.Uint32(control[0:4]))

	switch cmd {
	case MiscNVInfo:
		return a.handleNVInfo(control)
	case MiscGetTime:
		return a.handleGetTime(control)
	default:
		a.log.Warn("unknown misc command", logger.Ctx{"cmd": uint32(cmd)})
		return control
	}
}

func (a *MiscAgent) handleNVInfo(control []byte) []byte {
	out := make([]byte, len(control))
	copy(out, control)
	copy(out[4:], a.nvInfo)

	return out
}

func (a *MiscAgent) handleGetTime(control []byte) []byte {
	now := time.Now()

	out := make([]byte, len(control))
	copy(out, control)

	binary.LittleEndian.PutUint32(out[4:8], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(out[8:12], uint32(now.Nanosecond()/1_000_000))

	stamp := now.Format("2006-01-02 15:04:05.000 ")
	if len(out) > 12 {
		copy(out[12:], stamp)
	}

	return out
}
