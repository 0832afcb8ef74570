package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"go2tv.app/screenrec/internal/bufpool"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

const (
	defaultPeriodMillis = 20
	defaultReopenDelay  = 500 * time.Millisecond
	maxReopenAttempts   = 5
	poolChunkDuration   = 100 * time.Millisecond
)

// AudioDeviceOptions configures an AudioDevice.
type AudioDeviceOptions struct {
	// Source is the ID chunks are delivered under.
	Source media.SourceID
	// Loopback records what the default playback device plays. Only the
	// WASAPI backend supports it.
	Loopback bool
	// DeviceName selects a capture device by case-insensitive substring.
	// Empty uses the default device.
	DeviceName string
	// SampleRate, Channels and Format request a layout. Zero values keep
	// the device's native one.
	SampleRate uint32
	Channels   uint32
	Format     media.SampleFormat

	PeriodMillis uint32
	Queue        int
	// ReopenDelay is the pause before reopening a device that stopped on
	// its own, e.g. when it was unplugged.
	ReopenDelay time.Duration
	Log         *slog.Logger
}

// AudioDevice captures one audio input through miniaudio and delivers
// chunks in the format the device runs at. When the device stops by itself
// it is reopened, possibly with a different format.
type AudioDevice struct {
	opts AudioDeviceOptions
	log  *slog.Logger

	mu      sync.Mutex
	running bool
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	deliv   *delivery[*media.AudioChunk]
	start   time.Time
	lost    chan struct{}
	quit    chan struct{}
	watchWG sync.WaitGroup

	// live is read by the miniaudio callback without taking mu.
	live atomic.Pointer[liveDevice]
}

type liveDevice struct {
	dev    *malgo.Device
	format media.AudioFormat
	pool   *bufpool.Pool[byte]
}

// NewAudioDevice returns an idle device source.
func NewAudioDevice(opts AudioDeviceOptions) *AudioDevice {
	if opts.Source == "" {
		opts.Source = media.SourceMicrophone
		if opts.Loopback {
			opts.Source = media.SourceSystem
		}
	}
	if opts.PeriodMillis == 0 {
		opts.PeriodMillis = defaultPeriodMillis
	}
	if opts.Channels > 2 {
		opts.Channels = 2
	}
	if opts.Queue <= 0 {
		opts.Queue = defaultAudioQueue
	}
	if opts.ReopenDelay <= 0 {
		opts.ReopenDelay = defaultReopenDelay
	}
	return &AudioDevice{
		opts: opts,
		log:  logging.Component(opts.Log, "audio-device").With("source", string(opts.Source)),
	}
}

// Format returns the layout the device currently delivers.
func (d *AudioDevice) Format() media.AudioFormat {
	if l := d.live.Load(); l != nil {
		return l.format
	}
	return media.AudioFormat{}
}

// Start opens the device when the request includes this source, and is a
// no-op otherwise.
func (d *AudioDevice) Start(ctx context.Context, req Request, h Handler) error {
	if !req.Wants(d.opts.Source) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrRunning
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		d.log.Debug("miniaudio", "msg", strings.TrimSpace(message))
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	d.mctx = mctx
	id := d.opts.Source
	d.deliv = startDelivery(string(id), d.opts.Queue, func(c *media.AudioChunk) { c.Release() },
		func(c *media.AudioChunk) { h.HandleAudio(id, c) }, d.log)
	d.start = time.Now()
	d.lost = make(chan struct{}, 1)
	d.quit = make(chan struct{})

	if err := d.openLocked(); err != nil {
		d.deliv.stop()
		_ = d.mctx.Uninit()
		d.mctx.Free()
		d.mctx = nil
		return err
	}
	d.running = true

	d.watchWG.Add(1)
	go d.watch()
	return nil
}

func (d *AudioDevice) deviceConfig() (malgo.DeviceConfig, error) {
	kind := malgo.Capture
	if d.opts.Loopback {
		kind = malgo.Loopback
	}
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.Capture.Format = malgoFormat(d.opts.Format)
	cfg.Capture.Channels = d.opts.Channels
	cfg.SampleRate = d.opts.SampleRate
	cfg.PeriodSizeInMilliseconds = d.opts.PeriodMillis

	if d.opts.DeviceName != "" && !d.opts.Loopback {
		infos, err := d.mctx.Devices(malgo.Capture)
		if err != nil {
			return cfg, fmt.Errorf("enumerate capture devices: %w", err)
		}
		want := strings.ToLower(d.opts.DeviceName)
		found := false
		for _, info := range infos {
			if strings.Contains(strings.ToLower(info.Name()), want) {
				cfg.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			return cfg, fmt.Errorf("%w: no capture device matching %q", ErrInvalidOptions, d.opts.DeviceName)
		}
	}
	return cfg, nil
}

// openLocked initializes and starts the device. A native format the
// pipeline cannot read is reopened as float32, and more than two channels
// are downmixed by miniaudio.
func (d *AudioDevice) openLocked() error {
	cfg, err := d.deviceConfig()
	if err != nil {
		return err
	}
	dev, err := d.initDevice(cfg)
	if err != nil {
		return err
	}

	sample, ok := sampleFormatFromMalgo(dev.CaptureFormat())
	if channels := dev.CaptureChannels(); !ok || channels > 2 {
		dev.Uninit()
		cfg.Capture.Format = malgo.FormatF32
		if channels > 2 || cfg.Capture.Channels == 0 {
			cfg.Capture.Channels = 2
		}
		if dev, err = d.initDevice(cfg); err != nil {
			return err
		}
		sample = media.SampleFloat32
	}

	format := media.AudioFormat{
		SampleRate:  float64(dev.SampleRate()),
		Channels:    int(dev.CaptureChannels()),
		Sample:      sample,
		Interleaved: true,
	}
	if err := format.Validate(); err != nil {
		dev.Uninit()
		return fmt.Errorf("audio device format %s: %w", format, err)
	}
	d.live.Store(&liveDevice{
		dev:    dev,
		format: format,
		pool:   bufpool.New[byte](format.FramesFor(poolChunkDuration)*format.BytesPerFrame(), 16),
	})

	if err := dev.Start(); err != nil {
		d.live.Store(nil)
		dev.Uninit()
		return fmt.Errorf("start audio device: %w", err)
	}
	d.dev = dev
	d.log.Info("audio device opened", "format", format.String(), "loopback", d.opts.Loopback)
	return nil
}

func (d *AudioDevice) initDevice(cfg malgo.DeviceConfig) (*malgo.Device, error) {
	var dev *malgo.Device
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) {
			d.onData(dev, input, frames)
		},
		Stop: func() {
			select {
			case d.lost <- struct{}{}:
			default:
			}
		},
	}
	dev, err := malgo.InitDevice(d.mctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init audio device: %w", err)
	}
	return dev, nil
}

// onData runs on the miniaudio thread. It copies the callback buffer, which
// miniaudio reuses, into a pooled one.
func (d *AudioDevice) onData(dev *malgo.Device, input []byte, frames uint32) {
	l := d.live.Load()
	if l == nil || l.dev != dev {
		return
	}
	format, pool := l.format, l.pool
	pts := time.Since(d.start)

	n := int(frames) * format.BytesPerFrame()
	if n > len(input) || n == 0 {
		return
	}
	var chunk *media.AudioChunk
	if n <= pool.Size() {
		buf := pool.Get(n)
		copy(buf, input[:n])
		chunk = media.NewPooledAudioChunk(format, int(frames), [][]byte{buf}, pts, func() { pool.Put(buf) })
	} else {
		buf := append([]byte(nil), input[:n]...)
		chunk = &media.AudioChunk{Format: format, Frames: int(frames), Data: [][]byte{buf}, PTS: pts}
	}
	d.deliv.push(chunk)
}

// watch reopens the device after it stopped without Stop being called.
func (d *AudioDevice) watch() {
	defer d.watchWG.Done()
	attempts := 0
	for {
		select {
		case <-d.quit:
			return
		case <-d.lost:
		}

		t := time.NewTimer(d.opts.ReopenDelay)
		select {
		case <-d.quit:
			t.Stop()
			return
		case <-t.C:
		}

		d.mu.Lock()
		if !d.running {
			d.mu.Unlock()
			return
		}
		if d.dev != nil && d.dev.IsStarted() {
			d.mu.Unlock()
			continue
		}
		if d.dev != nil {
			d.live.Store(nil)
			d.dev.Uninit()
			d.dev = nil
		}
		err := d.openLocked()
		d.mu.Unlock()

		if err == nil {
			attempts = 0
			continue
		}
		attempts++
		d.log.Warn("audio device reopen failed", "attempt", attempts, "err", err)
		if attempts >= maxReopenAttempts {
			return
		}
		select {
		case d.lost <- struct{}{}:
		default:
		}
	}
}

// Stop closes the device. No chunks are delivered after it returns.
func (d *AudioDevice) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.quit)
	dev := d.dev
	d.dev = nil
	d.live.Store(nil)
	d.mu.Unlock()

	d.watchWG.Wait()

	var err error
	if dev != nil {
		err = dev.Stop()
		dev.Uninit()
	}
	d.deliv.stop()
	if n := d.deliv.dropped(); n > 0 {
		d.log.Info("audio device stopped", "dropped_chunks", n)
	}

	d.mu.Lock()
	if d.mctx != nil {
		err = errors.Join(err, d.mctx.Uninit())
		d.mctx.Free()
		d.mctx = nil
	}
	d.mu.Unlock()
	return err
}

func sampleFormatFromMalgo(f malgo.FormatType) (media.SampleFormat, bool) {
	switch f {
	case malgo.FormatS16:
		return media.SampleInt16, true
	case malgo.FormatS32:
		return media.SampleInt32, true
	case malgo.FormatF32:
		return media.SampleFloat32, true
	default:
		return media.SampleInvalid, false
	}
}

// malgoFormat maps a requested sample format. float64 has no miniaudio
// equivalent and unknown keeps the native format.
func malgoFormat(f media.SampleFormat) malgo.FormatType {
	switch f {
	case media.SampleInt16:
		return malgo.FormatS16
	case media.SampleInt32:
		return malgo.FormatS32
	case media.SampleFloat32, media.SampleFloat64:
		return malgo.FormatF32
	default:
		return malgo.FormatUnknown
	}
}

// DeviceInfo describes an audio capture device.
type DeviceInfo struct {
	Name      string
	IsDefault bool
}

// ListAudioDevices returns the capture devices miniaudio can open.
func ListAudioDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, DeviceInfo{Name: info.Name(), IsDefault: info.IsDefault != 0})
	}
	return devices, nil
}
