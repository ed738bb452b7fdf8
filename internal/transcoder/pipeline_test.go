package transcoder

import (
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetDimensions(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		target        int
		wantW, wantH  int
	}{
		{"1080p landscape", 1920, 1080, 144, 256, 144},
		{"720p landscape", 1280, 720, 144, 256, 144},
		{"portrait phone", 1080, 1920, 144, 80, 144},
		{"smaller than target", 320, 100, 144, 320, 100},
		{"odd natural size", 175, 99, 144, 174, 98},
		{"odd scaled width", 641, 361, 144, 256, 144},
		{"tiny", 1, 1, 144, 2, 2},
		{"zero width", 0, 1080, 144, 0, 0},
		{"negative height", 1920, -1, 144, 0, 0},
		{"zero target", 1920, 1080, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := TargetDimensions(tt.width, tt.height, tt.target)
			assert.Equal(t, tt.wantW, w, "width")
			assert.Equal(t, tt.wantH, h, "height")
			if w > 0 {
				assert.Zero(t, w%2)
				assert.Zero(t, h%2)
				assert.LessOrEqual(t, h, tt.target)
			}
		})
	}
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"target height", func(o *Options) { o.TargetHeight = 1 }},
		{"frame rate", func(o *Options) { o.FrameRate = 0 }},
		{"video bitrate", func(o *Options) { o.VideoBitrate = 0 }},
		{"playback rate not accelerated", func(o *Options) { o.PlaybackRate = 1.0 }},
		{"output cap", func(o *Options) { o.MaxOutputDuration = 0 }},
		{"timeout", func(o *Options) { o.Timeout = -time.Second }},
		{"mime preference", func(o *Options) { o.MIMEPreference = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}

func TestOptionsDerived(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 100*time.Millisecond, opts.FrameInterval())
	assert.Equal(t, 30*time.Second, opts.SourceWindow())
}

func TestMIMEHelpers(t *testing.T) {
	assert.Equal(t, "video/webm", ContainerOf("video/webm;codecs=vp9,opus"))
	assert.Equal(t, "video/mp4", ContainerOf(" Video/MP4 "))
	assert.Equal(t, []string{"vp9", "opus"}, CodecsOf("video/webm;codecs=vp9,opus"))
	assert.Equal(t, []string{"vp8", "opus"}, CodecsOf(`video/webm; codecs="VP8, Opus"`))
	assert.Nil(t, CodecsOf("video/webm"))
	assert.Equal(t, ".webm", ExtensionOf("video/webm;codecs=vp8,opus"))
	assert.Equal(t, ".mp4", ExtensionOf("video/mp4"))
	assert.Equal(t, ".bin", ExtensionOf("audio/ogg"))
}

func TestNegotiateMIME(t *testing.T) {
	host := newStubHost(2, 2)
	host.supported = map[string]bool{"video/mp4": true}

	got, ok := negotiateMIME(host, DefaultMIMEPreference)
	assert.True(t, ok)
	assert.Equal(t, "video/mp4", got)

	host.supported = nil
	_, ok = negotiateMIME(host, DefaultMIMEPreference)
	assert.False(t, ok)
}

func TestProfileFor(t *testing.T) {
	tests := []struct {
		mime  string
		video string
		audio string
		ok    bool
	}{
		{"video/webm;codecs=vp9,opus", "libvpx-vp9", "libopus", true},
		{"video/webm;codecs=vp8,opus", "libvpx", "libopus", true},
		{"video/webm", "libvpx-vp9", "libopus", true},
		{"video/mp4", "libx264", "aac", true},
		{"video/webm;codecs=av1", "", "", false},
		{"video/ogg", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			p, ok := profileFor(tt.mime)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.video, p.videoEncoder)
			assert.Equal(t, tt.audio, p.audioEncoder)
		})
	}
}

func TestAtempoChain(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "atempo=1.0000"},
		{1.5, "atempo=1.5000"},
		{3.0, "atempo=2.0,atempo=1.5000"},
		{5.0, "atempo=2.0,atempo=2.0,atempo=1.2500"},
		{0.25, "atempo=0.5,atempo=0.5000"},
		{0, "atempo=1.0000"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.rate), func(t *testing.T) {
			assert.Equal(t, tt.want, atempoChain(tt.rate))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("process clip: %w", &Error{Kind: ErrPlayback, Op: "play", State: StateAwaitingPlayable, Err: cause})

	assert.ErrorIs(t, err, ErrPlayback)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ErrPlayback, KindOf(err))
	assert.Equal(t, "playback", KindLabel(err))
	assert.Contains(t, err.Error(), "awaiting_playable")

	assert.Equal(t, "ok", KindLabel(nil))
	assert.Equal(t, "internal", KindLabel(cause))
	assert.Equal(t, "corrupt_source", KindLabel(fmt.Errorf("%w: bad", ErrCorruptSource)))
	assert.Equal(t, "source_rejected", KindLabel(newError(ErrSourceRejected, "probe", nil)))
}

func TestStateMachine(t *testing.T) {
	var entered []string
	m := newMachine(func(from, to State) {
		entered = append(entered, from.String()+">"+to.String())
	})

	assert.Equal(t, StateInitializing, m.current())
	assert.Error(t, m.transition(StateEncoding))

	require.NoError(t, m.transition(StateAwaitingPlayable))
	require.NoError(t, m.transition(StateEncoding))
	require.NoError(t, m.transition(StateFinalizing))
	require.NoError(t, m.transition(StateDone))
	assert.True(t, m.current().Terminal())

	assert.Error(t, m.transition(StateFailed))
	assert.Equal(t, StateDone, m.fail())
	assert.Equal(t, StateDone, m.current())

	assert.Equal(t, []State{StateInitializing, StateAwaitingPlayable, StateEncoding, StateFinalizing, StateDone}, m.trail())
	assert.Len(t, entered, 4)
}

func TestStateMachineFailFromAnyState(t *testing.T) {
	for _, reach := range [][]State{
		nil,
		{StateAwaitingPlayable},
		{StateAwaitingPlayable, StateEncoding},
		{StateAwaitingPlayable, StateEncoding, StateFinalizing},
	} {
		m := newMachine(nil)
		for _, s := range reach {
			require.NoError(t, m.transition(s))
		}
		from := m.current()
		assert.Equal(t, from, m.fail())
		assert.Equal(t, StateFailed, m.current())
		assert.Equal(t, StateFailed, m.fail())
		assert.Error(t, m.transition(StateDone))
	}
}

func TestTeardown(t *testing.T) {
	var order []string
	td := &teardown{}
	td.add("first", func() error { order = append(order, "first"); return nil })
	td.add("second", func() error { order = append(order, "second"); return errors.New("busy") })
	td.add("third", func() error { panic("bad release") })

	err := td.run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release second: busy")
	assert.Contains(t, err.Error(), "release third")
	assert.Equal(t, []string{"second", "first"}, order)

	assert.Equal(t, err, td.run())
	assert.Equal(t, []string{"second", "first"}, order)

	td.add("late", func() error { order = append(order, "late"); return nil })
	assert.Equal(t, []string{"second", "first", "late"}, order)
}

func TestTeardownConcurrentRun(t *testing.T) {
	calls := 0
	td := &teardown{}
	td.add("counted", func() error { calls++; return nil })

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			_ = td.run()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, 1, calls)
}

func TestGuard(t *testing.T) {
	v, err := guard(func() (int, error) { return 7, nil })
	assert.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = guard(func() (int, error) { panic("kaboom") })
	assert.ErrorContains(t, err, "kaboom")
}

func TestChunkBuffer(t *testing.T) {
	var c chunkBuffer
	c.append([]byte("ab"))
	c.append(nil)
	c.append([]byte("cd"))

	out := c.seal()
	assert.Equal(t, []byte("abcd"), out)

	c.append([]byte("ef"))
	assert.Equal(t, []byte("abcd"), c.seal())

	out[0] = 'X'
	assert.Equal(t, []byte("abcd"), c.seal())
}

func TestEncodedOutputBase64(t *testing.T) {
	out := &EncodedOutput{Data: []byte("clip")}
	assert.Equal(t, "Y2xpcA==", out.Base64())
	assert.Equal(t, int64(4), out.Size())
}

func TestRasterSink(t *testing.T) {
	_, err := newRasterSink(3, 2)
	assert.Error(t, err)
	_, err = newRasterSink(0, 2)
	assert.Error(t, err)

	sink, err := newRasterSink(256, 144)
	require.NoError(t, err)
	w, h := sink.Size()
	assert.Equal(t, 256, w)
	assert.Equal(t, 144, h)

	require.NoError(t, sink.Draw(solidFrame(1920, 1080)))
	assert.Equal(t, image.Rect(0, 0, 256, 144), sink.Frame().Bounds())

	require.NoError(t, sink.Draw(solidFrame(256, 144)))
	assert.Equal(t, image.Rect(0, 0, 256, 144), sink.Frame().Bounds())

	assert.Error(t, sink.Draw(nil))
	assert.Error(t, sink.Draw(image.NewNRGBA(image.Rect(0, 0, 0, 0))))

	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Draw(solidFrame(256, 144)), errSinkClosed)
}
