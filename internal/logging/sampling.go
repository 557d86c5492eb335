package logging

import (
	"go.uber.org/zap/zapcore"
)

// sampledLevels are the levels that get a sampler of their own. Error and
// above are never sampled.
var sampledLevels = []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel}

// newSampledCore gives each level below error its own sampling budget per
// tick, so a burst of per-attempt debug entries from a retrying step cannot
// crowd out info entries about run transitions.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	defaults := DefaultLevelSamplingConfig()
	cores := []zapcore.Core{
		&levelFilterCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel},
	}
	for _, lvl := range sampledLevels {
		rate, ok := cfg.Levels[lvl]
		if !ok {
			rate = defaults[lvl]
		}
		cores = append(cores, zapcore.NewSamplerWithOptions(
			&levelFilterCore{Core: core, min: lvl, max: lvl},
			cfg.Tick.Duration(),
			rate.Initial,
			rate.Thereafter,
		))
	}
	return zapcore.NewTee(cores...)
}

// levelFilterCore passes entries whose level lies in [min, max].
type levelFilterCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
