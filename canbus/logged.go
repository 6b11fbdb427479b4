package canbus

import (
	"context"
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// LogOption is a bitmask for selecting which operations to log.
type LogOption uint8

const (
	LogRead LogOption = 1 << iota
	LogWrite

	LogNone LogOption = 0
	LogAll            = LogRead | LogWrite
)

// LoggedBus is a Bus decorator that logs Send/Receive operations through
// logrus. Errors are always logged at error level; frames at the configured
// level.
type LoggedBus struct {
	inner  Bus
	logger logrus.FieldLogger
	level  logrus.Level
	opts   LogOption
	filter FrameFilter
}

// NewLoggedBus wraps the given Bus and logs selected operations at the given
// level. If filter is nil, all frames are considered for logging.
func NewLoggedBus(inner Bus, logger logrus.FieldLogger, level logrus.Level, opts LogOption, filter FrameFilter) *LoggedBus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LoggedBus{
		inner:  inner,
		logger: logger,
		level:  level,
		opts:   opts,
		filter: filter,
	}
}

func frameFields(f Frame) logrus.Fields {
	return logrus.Fields{
		"id":       f.ID,
		"extended": f.Extended,
		"rtr":      f.RTR,
		"len":      int(f.Len),
		"data":     hex.EncodeToString(f.Payload()),
	}
}

func (l *LoggedBus) wants(f Frame) bool {
	return l.filter == nil || l.filter(f)
}

// Send logs the frame and the result when write logging is enabled.
func (l *LoggedBus) Send(ctx context.Context, frame Frame) error {
	if l.opts&LogWrite != 0 && l.wants(frame) {
		l.logger.WithFields(frameFields(frame)).Log(l.level, "canbus send")
	}
	err := l.inner.Send(ctx, frame)
	if l.opts&LogWrite != 0 && err != nil {
		l.logger.WithError(err).WithField("id", frame.ID).Error("canbus send error")
	}
	return err
}

// Receive logs the received frame or error when read logging is enabled.
func (l *LoggedBus) Receive(ctx context.Context) (Frame, error) {
	f, err := l.inner.Receive(ctx)
	if l.opts&LogRead == 0 {
		return f, err
	}
	if err != nil {
		if ctx.Err() == nil {
			l.logger.WithError(err).Error("canbus receive error")
		}
	} else if l.wants(f) {
		l.logger.WithFields(frameFields(f)).Log(l.level, "canbus receive")
	}
	return f, err
}

// Close forwards to the inner Bus without logging.
func (l *LoggedBus) Close() error {
	return l.inner.Close()
}
