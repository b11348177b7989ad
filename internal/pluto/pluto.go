// Package pluto drives an ADALM-Pluto (AD9361) receiver over the IIOD
// network protocol and adapts it to the source.Driver call surface.
package pluto

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rfkit/plutostream/iiod"
	"github.com/rfkit/plutostream/internal/convert"
	"github.com/rfkit/plutostream/internal/logging"
	"github.com/rfkit/plutostream/internal/mdns"
)

const (
	defaultPort        = 30431
	dialTimeout        = 3 * time.Second
	dialRetries        = 3
	discoverTimeout    = 5 * time.Second
	rxChannelI         = "voltage0"
	rxChannelQ         = "voltage1"
	loChannel          = "altvoltage1" // RX local oscillator
	gainModeManual     = "manual"
	gainModeSlowAttack = "slow_attack"
)

// Device is one open Pluto receiver. It satisfies source.Driver.
type Device struct {
	client   *iiod.Client
	log      logging.Logger
	phy      string
	rx       string
	canceled atomic.Bool
}

// OpenURI connects to the IIOD server at host:port and locates the
// AD9361 devices. Connection attempts are retried with exponential
// backoff before giving up.
func OpenURI(uri string, log logging.Logger) (*Device, error) {
	if log == nil {
		log = logging.Default()
	}
	if !strings.Contains(uri, ":") {
		uri = fmt.Sprintf("%s:%d", uri, defaultPort)
	}

	var client *iiod.Client
	dial := func() error {
		var err error
		client, err = iiod.Dial(uri, dialTimeout)
		return err
	}
	if err := backoff.Retry(dial, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialRetries)); err != nil {
		return nil, fmt.Errorf("open pluto at %s: %w", uri, err)
	}

	devices, err := client.ListDevices()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("list devices: %w", err)
	}
	phy, rx := identifyAD9361(devices)
	if phy == "" || rx == "" {
		_ = client.Close()
		return nil, fmt.Errorf("no AD9361 capture device at %s (phy=%q rx=%q)", uri, phy, rx)
	}

	log.Info("pluto opened", logging.Field{Key: "uri", Value: uri},
		logging.Field{Key: "phy", Value: phy}, logging.Field{Key: "rx", Value: rx})
	return &Device{client: client, log: log, phy: phy, rx: rx}, nil
}

// OpenIndex discovers IIOD hosts via mDNS and opens the index-th one.
func OpenIndex(index int, log logging.Logger) (*Device, error) {
	hosts, err := mdns.Discover(discoverTimeout)
	if err != nil {
		return nil, fmt.Errorf("discover devices: %w", err)
	}
	if index < 0 || index >= len(hosts) {
		return nil, fmt.Errorf("device index %d out of range, %d device(s) found", index, len(hosts))
	}
	return OpenURI(hosts[index].Addr(), log)
}

func identifyAD9361(devices []string) (phy, rx string) {
	for _, dev := range devices {
		lower := strings.ToLower(dev)
		switch {
		case strings.Contains(lower, "ad9361-phy"):
			phy = dev
		case strings.Contains(lower, "cf-ad9361-lpc"):
			rx = dev
		}
	}
	return phy, rx
}

// SetSampleRateHz programs the baseband sample rate.
func (d *Device) SetSampleRateHz(hz uint32) error {
	return d.client.WriteAttr(d.phy, "", "sampling_frequency", fmt.Sprintf("%d", hz))
}

// SetBandwidthHz programs the RF analog filter bandwidth.
func (d *Device) SetBandwidthHz(hz uint32) error {
	return d.client.WriteAttr(d.phy, rxChannelI, "rf_bandwidth", fmt.Sprintf("%d", hz))
}

// SetLOFrequencyHz tunes the RX local oscillator.
func (d *Device) SetLOFrequencyHz(hz uint64) error {
	return d.client.WriteAttr(d.phy, loChannel, "frequency", fmt.Sprintf("%d", hz))
}

// SetGainMode selects automatic (slow attack) or manual gain control.
func (d *Device) SetGainMode(auto bool) error {
	mode := gainModeManual
	if auto {
		mode = gainModeSlowAttack
	}
	return d.client.WriteAttr(d.phy, rxChannelI, "gain_control_mode", mode)
}

// SetGainDB sets the manual hardware gain in dB.
func (d *Device) SetGainDB(gain float64) error {
	return d.client.WriteAttr(d.phy, rxChannelI, "hardwaregain", fmt.Sprintf("%.3f", gain))
}

// Antenna reports the receive port. The Pluto has a single RX input.
func (d *Device) Antenna() string { return "RX" }

// EnableStreaming enables or disables the capture device's I and Q
// scan elements. The streaming buffer itself is opened by ReadAsync
// once the block geometry is known.
func (d *Device) EnableStreaming(on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	if err := d.client.WriteAttr(d.rx, rxChannelI, "en", value); err != nil {
		return fmt.Errorf("enable %s: %w", rxChannelI, err)
	}
	if err := d.client.WriteAttr(d.rx, rxChannelQ, "en", value); err != nil {
		return fmt.Errorf("enable %s: %w", rxChannelQ, err)
	}
	return nil
}

// ReadAsync opens a streaming buffer of blockLen bytes and invokes fn
// once per delivered block until CancelAsync is called or the device
// reports an error. It blocks for the duration of the stream; a nil
// return means the loop ended due to cancellation.
func (d *Device) ReadAsync(fn func(block []byte), blockCount, blockLen int) error {
	if blockLen <= 0 || blockLen%512 != 0 {
		return fmt.Errorf("block length %d is not a positive multiple of 512", blockLen)
	}
	if d.canceled.Load() {
		return nil
	}
	samples := blockLen / convert.BytesPerSample
	if err := d.client.OpenBuffer(d.rx, samples); err != nil {
		if d.canceled.Load() {
			return nil
		}
		return fmt.Errorf("open stream buffer: %w", err)
	}

	for !d.canceled.Load() {
		block, err := d.client.ReadBuffer(d.rx, samples)
		if err != nil {
			if d.canceled.Load() {
				return nil
			}
			return fmt.Errorf("read block: %w", err)
		}
		fn(block)
	}

	// Cancellation tears the connection down, so there is no buffer
	// left to close on the wire.
	return nil
}

// CancelAsync aborts a blocked ReadAsync. The connection is closed to
// unblock the pending buffer read; the device must be reopened to
// stream again.
func (d *Device) CancelAsync() error {
	d.canceled.Store(true)
	return d.client.Abort()
}

// Close releases the connection. Safe after CancelAsync.
func (d *Device) Close() error {
	return d.client.Close()
}
