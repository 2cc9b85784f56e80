package fairino

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/fr3lab/trialcapture/internal/link"
)

// Realtime status frame layout. Every frame is
//
//	magic u16 | count u8 | length u16 | payload[length] | checksum u16
//
// with little-endian integers.
const (
	frameMagic      = 0x5A5A
	frameHeaderSize = 5
	frameTailSize   = 2
	maxPayloadSize  = 8192

	offProgramState = 0
	offRobotState   = 1
	offMainCode     = 2
	offSubCode      = 6
	offRobotMode    = 10
	offJoints       = 11
	offTCP          = 59

	minPayloadSize = offTCP + 6*8
)

// frameState is the subset of a status frame the capture pipeline uses.
type frameState struct {
	ProgramState uint8
	RobotState   uint8
	MainCode     int32
	SubCode      int32
	Mode         link.Mode
	Joints       link.Joints
	TCP          link.Pose
}

// readFrame reads one status frame and returns its payload.
func readFrame(ctx context.Context, r io.Reader) ([]byte, error) {
	header, err := goutils.ReadBytes(ctx, r, frameHeaderSize)
	if err != nil {
		return nil, err
	}
	if magic := binary.LittleEndian.Uint16(header[0:2]); magic != frameMagic {
		return nil, errors.Errorf("invalid frame header %#04x", magic)
	}
	size := int(binary.LittleEndian.Uint16(header[3:5]))
	if size == 0 || size > maxPayloadSize {
		return nil, errors.Errorf("invalid frame size: %d", size)
	}

	buf, err := goutils.ReadBytes(ctx, r, size+frameTailSize)
	if err != nil {
		return nil, err
	}
	return buf[:size], nil
}

func decodeState(payload []byte) (frameState, error) {
	var s frameState
	if len(payload) < minPayloadSize {
		return s, errors.Errorf("status frame too short: %d bytes, need %d", len(payload), minPayloadSize)
	}

	le := binary.LittleEndian
	s.ProgramState = payload[offProgramState]
	s.RobotState = payload[offRobotState]
	s.MainCode = int32(le.Uint32(payload[offMainCode:]))
	s.SubCode = int32(le.Uint32(payload[offSubCode:]))
	s.Mode = link.Mode(payload[offRobotMode])
	for i := 0; i < 6; i++ {
		s.Joints[i] = math.Float64frombits(le.Uint64(payload[offJoints+8*i:]))
		s.TCP[i] = math.Float64frombits(le.Uint64(payload[offTCP+8*i:]))
	}
	return s, nil
}

// reader decodes frames from conn into r until ctx is done or the stream
// fails.
func (r *Robot) reader(ctx context.Context, conn io.Reader, onHaveData func()) error {
	var lastMain, lastSub int32
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if dc, ok := conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			if err := dc.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
				return err
			}
		}

		payload, err := readFrame(ctx, conn)
		if err != nil {
			return err
		}
		fs, err := decodeState(payload)
		if err != nil {
			return err
		}

		if fs.MainCode != lastMain || fs.SubCode != lastSub {
			if fs.MainCode != 0 {
				r.logger.Warn("Controller fault", "main_code", fs.MainCode, "sub_code", fs.SubCode)
			} else {
				r.logger.Info("Controller fault cleared")
			}
			lastMain, lastSub = fs.MainCode, fs.SubCode
		}

		r.setFrame(fs)
		onHaveData()
	}
}
