package jlog

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContextCarriesTags(t *testing.T) {
	var out bytes.Buffer
	l := logrus.New()
	l.SetOutput(&out)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	prev := Logger()
	SetLogger(l)
	t.Cleanup(func() { SetLogger(prev) })

	ctx := WithTag(context.Background(), "stmt", "s1")
	ctx = WithTag(ctx, "blob", 42)
	FromContext(ctx).Debug("opened")

	assert.Contains(t, out.String(), "stmt=s1")
	assert.Contains(t, out.String(), "blob=42")
	assert.Contains(t, out.String(), "opened")
}

func TestFromContextWithoutTags(t *testing.T) {
	entry := FromContext(context.Background())
	require.NotNil(t, entry)
	assert.Empty(t, entry.Data)
}

func TestSetLoggerIgnoresNil(t *testing.T) {
	prev := Logger()
	SetLogger(nil)
	assert.Same(t, prev, Logger())
}

func TestInitReadsEnv(t *testing.T) {
	prev := Logger().GetLevel()
	t.Cleanup(func() { Logger().SetLevel(prev) })

	t.Setenv(LevelEnv, "debug")
	Init(logrus.ErrorLevel)
	assert.Equal(t, logrus.DebugLevel, Logger().GetLevel())

	t.Setenv(LevelEnv, "not-a-level")
	Init(logrus.ErrorLevel)
	assert.Equal(t, logrus.ErrorLevel, Logger().GetLevel())
}
