package service_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/Rutomatrix/scriptd/internal/model"
	"github.com/Rutomatrix/scriptd/internal/service"
	"github.com/stretchr/testify/require"
)

func TestLineStreamer(t *testing.T) {
	t.Parallel()
	l := func(s string) model.Line { return model.Line{Text: s, Terminated: true} }
	p := func(s string) model.Line { return model.Line{Text: s} }

	var testCases = []struct {
		scenario string
		given    string
		size     int
		then     []model.Line
	}{
		{"empty", "", 0, nil},
		{"no trailing newline", "line1\nline2\nline3", 0, []model.Line{l("line1"), l("line2"), p("line3")}},
		{"trailing newline", "line1\n", 0, []model.Line{l("line1")}},
		{"empty lines", "\n\n", 0, []model.Line{l(""), l("")}},
		{"crlf", "a\r\nb", 0, []model.Line{l("a\r"), p("b")}},
		{"long line", strings.Repeat("x", 40) + "\ny", 16, []model.Line{
			p(strings.Repeat("x", 16)),
			p(strings.Repeat("x", 16)),
			l(strings.Repeat("x", 8)),
			p("y"),
		}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			s := service.NewLineStreamer(strings.NewReader(tt.given), tt.size)
			var lines []model.Line
			for {
				line, err := s.Next()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				lines = append(lines, line)
			}
			require.Equal(t, tt.then, lines)
			require.Equal(t, tt.given, join(lines))

			// stays at EOF
			_, err := s.Next()
			require.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestLineStreamer_Pump(t *testing.T) {
	t.Parallel()

	t.Run("all lines", func(t *testing.T) {
		t.Parallel()
		s := service.NewLineStreamer(strings.NewReader("a\nb\nc"), 0)
		out := make(chan model.Line, 3)
		require.NoError(t, s.Pump(t.Context(), out))
		close(out)
		var got []model.Line
		for l := range out {
			got = append(got, l)
		}
		require.Equal(t, "a\nb\nc", join(got))
	})

	t.Run("blocked consumer", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		s := service.NewLineStreamer(strings.NewReader("a\nb\nc\n"), 0)
		out := make(chan model.Line, 1)

		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Pump(ctx, out)
		}()
		require.Equal(t, model.Line{Text: "a", Terminated: true}, <-out)
		cancel()
		require.ErrorIs(t, <-errCh, context.Canceled)
	})
}

func join(lines []model.Line) string {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.Text)
		if l.Terminated {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
