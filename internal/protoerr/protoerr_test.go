package protoerr_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AlexBischof/mewbase/internal/protoerr"
)

func TestNewfFormat(t *testing.T) {
	assert.Equal(t,
		"the number is 3",
		protoerr.Newf("the number is %d", 3).Error())
}

func TestWrapNil_Panics(t *testing.T) {
	// Wrapping a nil error should panic early because calling Error() on
	// a nil error seems to hang, at least in tests. Better a panic than
	// a hang.

	t.Run("Enrichf", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = protoerr.Enrichf(nil, "text")
		})
	})

	t.Run("Bubblef", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = protoerr.Bubblef(nil, "text")
		})
	})
}

func TestEnrichfFormat(t *testing.T) {
	t.Run("no message", func(t *testing.T) {
		assert.Equal(t,
			"EOF",
			protoerr.Enrichf(io.EOF, "").Error())
	})

	t.Run("with format", func(t *testing.T) {
		assert.Equal(t,
			"failed (123): EOF",
			protoerr.Enrichf(io.EOF, "failed (%d)", 123).Error())
	})
}

func TestBubblefFormat(t *testing.T) {
	t.Run("no message", func(t *testing.T) {
		assert.Equal(t,
			"EOF",
			protoerr.Bubblef(io.EOF, "").Error())
	})

	t.Run("with format", func(t *testing.T) {
		assert.Equal(t,
			"failed (123): EOF",
			protoerr.Bubblef(io.EOF, "failed (%d)", 123).Error())
	})
}

func TestEnrichfDoesNotWrap(t *testing.T) {
	assert.NotErrorIs(t,
		protoerr.Enrichf(io.EOF, ""),
		io.EOF)
}

func TestBubblefWraps(t *testing.T) {
	assert.ErrorIs(t,
		protoerr.Bubblef(io.EOF, ""),
		io.EOF)
}

func TestAttrs(t *testing.T) {
	t.Run("none if not enriched", func(t *testing.T) {
		assert.Empty(t, protoerr.Attrs(io.EOF))
	})

	t.Run("none by default", func(t *testing.T) {
		assert.Empty(t, protoerr.Attrs(protoerr.Newf("")))
	})

	t.Run("copies when wrapping", func(t *testing.T) {
		err1 := protoerr.Newf("").
			Attr(slog.String("key1", "value1")).
			Attr(slog.String("key2", "value2"))

		err2 := protoerr.Enrichf(err1, "").
			Attr(slog.String("key2", "overwritten")).
			Attr(slog.String("key3", "value3"))

		// Original error not mutated.
		assert.ElementsMatch(t,
			[]slog.Attr{
				slog.String("key1", "value1"),
				slog.String("key2", "value2"),
			},
			protoerr.Attrs(err1))
		// Wrapped error copies attrs; new values take precedence.
		assert.ElementsMatch(t,
			[]slog.Attr{
				slog.String("key1", "value1"),
				slog.String("key2", "overwritten"),
				slog.String("key3", "value3"),
			},
			protoerr.Attrs(err2))
	})
}

func TestTags(t *testing.T) {
	t.Run("none if not enriched", func(t *testing.T) {
		assert.Empty(t, protoerr.Tags(io.EOF))
	})

	t.Run("none by default", func(t *testing.T) {
		assert.Empty(t, protoerr.Tags(protoerr.Newf("")))
	})

	t.Run("copies when wrapping", func(t *testing.T) {
		err1 := protoerr.Newf("").
			Attr(slog.String("key1", "value1")).
			Attr(slog.String("key2", "value2"))

		err2 := protoerr.Enrichf(err1, "").
			Attr(slog.String("key2", "overwritten")).
			Attr(slog.String("key3", "value3"))

		// Original error not mutated.
		assert.Equal(t,
			map[string]string{
				"key1": "value1",
				"key2": "value2",
			},
			protoerr.Tags(err1))
		// Wrapped error copies tags; new values take precedence.
		assert.Equal(t,
			map[string]string{
				"key1": "value1",
				"key2": "overwritten",
				"key3": "value3",
			},
			protoerr.Tags(err2))
	})
}

func TestSkipSentryIf(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"false if not enriched", io.EOF, false},
		{"false by default", protoerr.Newf(""), false},
		{"true if set", protoerr.Newf("").SkipSentryIf(true), true},

		{"true if inherited",
			protoerr.Enrichf(
				protoerr.Newf("").SkipSentryIf(true), "",
			),
			true},

		{"not clearable",
			protoerr.Enrichf(
				protoerr.Newf("").SkipSentryIf(true), "",
			).SkipSentryIf(false),
			true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, protoerr.SkipSentry(tc.err))
		})
	}
}

func TestFatal(t *testing.T) {
	t.Run("false by default", func(t *testing.T) {
		assert.False(t, protoerr.IsFatal(protoerr.Newf("")))
	})

	t.Run("true if set", func(t *testing.T) {
		assert.True(t, protoerr.IsFatal(protoerr.Newf("").Fatal()))
	})

	t.Run("true if inherited", func(t *testing.T) {
		err := protoerr.Enrichf(protoerr.Newf("").Fatal(), "wrapped")
		assert.True(t, protoerr.IsFatal(err))
	})

	t.Run("false for a plain error", func(t *testing.T) {
		assert.False(t, protoerr.IsFatal(io.EOF))
	})
}

func TestFingerprint(t *testing.T) {
	t.Run("none if not enriched", func(t *testing.T) {
		assert.Empty(t, protoerr.ExtraFingerprint(io.EOF))
	})

	t.Run("none by default", func(t *testing.T) {
		assert.Empty(t, protoerr.ExtraFingerprint(protoerr.Newf("")))
	})

	t.Run("copies when wrapping", func(t *testing.T) {
		err1 := protoerr.Newf("").Fingerprint("one")
		err2 := protoerr.Enrichf(err1, "").Fingerprint("two")

		assert.Equal(t, []string{"one"}, protoerr.ExtraFingerprint(err1))
		assert.Equal(t, []string{"one", "two"}, protoerr.ExtraFingerprint(err2))
	})
}
