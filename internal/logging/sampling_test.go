package logging

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/taskrun/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Equal(t, core, newSampledCore(core, SamplingConfig{Enabled: false}))
}

func TestNewSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Second),
		Levels:  DefaultLevelSamplingConfig(),
	})
	logger := &Logger{zap: zap.New(sampled), config: NewDefaultConfig()}

	for i := 0; i < 150; i++ {
		logger.Error(context.Background(), "step failed")
	}
	assert.Equal(t, 150, observed.FilterMessage("step failed").Len())
}

func TestNewSampledCore_InfoSampled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 5, Thereafter: 0},
		},
	})
	logger := &Logger{zap: zap.New(sampled), config: NewDefaultConfig()}

	for i := 0; i < 50; i++ {
		logger.Info(context.Background(), "heartbeat")
	}
	assert.Equal(t, 5, observed.FilterMessage("heartbeat").Len())
}

func TestNewSampledCore_BudgetPerLevel(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.DebugLevel: {Initial: 2, Thereafter: 0},
			zapcore.InfoLevel:  {Initial: 3, Thereafter: 0},
			zapcore.WarnLevel:  {Initial: 4, Thereafter: 0},
		},
	})
	logger := &Logger{zap: zap.New(sampled), config: NewDefaultConfig()}
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		logger.Debug(ctx, "attempt")
		logger.Info(ctx, "attempt")
		logger.Warn(ctx, "attempt")
	}

	counts := map[zapcore.Level]int{}
	for _, e := range observed.FilterMessage("attempt").All() {
		counts[e.Level]++
	}
	assert.Equal(t, map[zapcore.Level]int{
		zapcore.DebugLevel: 2,
		zapcore.InfoLevel:  3,
		zapcore.WarnLevel:  4,
	}, counts)
}
