package iiod

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

type mockOp struct {
	cmd           string
	status        int
	payload       string
	binaryPayload []byte
	header        string // overrides the computed "status length\n" header
}

func startMockServer(t *testing.T, ops []mockOp) (string, chan error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		defer listener.Close()

		conn, err := listener.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		for _, op := range ops {
			line, err := reader.ReadString('\n')
			if err != nil {
				errCh <- fmt.Errorf("read command: %w", err)
				return
			}
			if got := strings.TrimSpace(line); got != op.cmd {
				errCh <- fmt.Errorf("unexpected command %q, want %q", got, op.cmd)
				return
			}

			payload := []byte(op.payload)
			if len(op.binaryPayload) > 0 {
				payload = op.binaryPayload
			}

			header := op.header
			if header == "" {
				header = fmt.Sprintf("%d %d\n", op.status, len(payload))
			}
			if _, err := fmt.Fprint(conn, header); err != nil {
				errCh <- fmt.Errorf("write response header: %w", err)
				return
			}
			if len(payload) > 0 && op.header == "" {
				if _, err := conn.Write(payload); err != nil {
					errCh <- fmt.Errorf("write response payload: %w", err)
					return
				}
			}
		}

		errCh <- nil
	}()

	return listener.Addr().String(), errCh
}

func dialMock(t *testing.T, ops []mockOp) (*Client, chan error) {
	t.Helper()
	addr, serverErr := startMockServer(t, ops)
	client, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, serverErr
}

func finishServer(t *testing.T, serverErr chan error) {
	t.Helper()
	if err := <-serverErr; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestClientCommands(t *testing.T) {
	client, serverErr := dialMock(t, []mockOp{
		{cmd: "VERSION", payload: "0.25 (git tag: v0.25)"},
		{cmd: "LIST_DEVICES", payload: "ad9361-phy cf-ad9361-lpc"},
		{cmd: "LIST_CHANNELS cf-ad9361-lpc", payload: "voltage0 voltage1"},
		{cmd: "READ_ATTR ad9361-phy voltage0 hardwaregain", payload: "24.000 dB\n"},
		{cmd: "READ_ATTR ad9361-phy sampling_frequency", payload: "2000000"},
		{cmd: "WRITE_ATTR ad9361-phy voltage0 gain_control_mode manual"},
		{cmd: "WRITE_ATTR ad9361-phy sampling_frequency 2000000"},
	})

	version, err := client.Version()
	if err != nil || version != "0.25 (git tag: v0.25)" {
		t.Fatalf("Version returned (%q, %v)", version, err)
	}

	devices, err := client.ListDevices()
	if err != nil || strings.Join(devices, ",") != "ad9361-phy,cf-ad9361-lpc" {
		t.Fatalf("ListDevices returned (%v, %v)", devices, err)
	}

	channels, err := client.ListChannels("cf-ad9361-lpc")
	if err != nil || strings.Join(channels, ",") != "voltage0,voltage1" {
		t.Fatalf("ListChannels returned (%v, %v)", channels, err)
	}

	gain, err := client.ReadAttr("ad9361-phy", "voltage0", "hardwaregain")
	if err != nil || gain != "24.000 dB" {
		t.Fatalf("ReadAttr returned (%q, %v), want trimmed value", gain, err)
	}

	// Device-level attributes omit the channel on the wire.
	rate, err := client.ReadAttr("ad9361-phy", "", "sampling_frequency")
	if err != nil || rate != "2000000" {
		t.Fatalf("device-level ReadAttr returned (%q, %v)", rate, err)
	}
	if err := client.WriteAttr("ad9361-phy", "voltage0", "gain_control_mode", "manual"); err != nil {
		t.Fatalf("WriteAttr failed: %v", err)
	}
	if err := client.WriteAttr("ad9361-phy", "", "sampling_frequency", "2000000"); err != nil {
		t.Fatalf("device-level WriteAttr failed: %v", err)
	}

	finishServer(t, serverErr)
}

func TestBufferCommands(t *testing.T) {
	raw := make([]byte, 16)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint16(raw[i*4:], uint16(100+i))
		binary.LittleEndian.PutUint16(raw[i*4+2:], uint16(200+i))
	}

	client, serverErr := dialMock(t, []mockOp{
		{cmd: "OPEN cf-ad9361-lpc 4"},
		{cmd: "READBUF cf-ad9361-lpc 4", binaryPayload: raw},
		{cmd: "CLOSE cf-ad9361-lpc"},
	})

	if err := client.OpenBuffer("cf-ad9361-lpc", 4); err != nil {
		t.Fatalf("OpenBuffer failed: %v", err)
	}
	block, err := client.ReadBuffer("cf-ad9361-lpc", 4)
	if err != nil {
		t.Fatalf("ReadBuffer failed: %v", err)
	}
	if string(block) != string(raw) {
		t.Fatalf("ReadBuffer returned %v, want %v", block, raw)
	}
	if err := client.CloseBuffer("cf-ad9361-lpc"); err != nil {
		t.Fatalf("CloseBuffer failed: %v", err)
	}

	finishServer(t, serverErr)
}

func TestReadBufferRejectsEmptyPayload(t *testing.T) {
	client, serverErr := dialMock(t, []mockOp{
		{cmd: "READBUF cf-ad9361-lpc 4"},
	})

	if _, err := client.ReadBuffer("cf-ad9361-lpc", 4); err == nil {
		t.Fatal("expected error for empty buffer payload")
	}
	finishServer(t, serverErr)
}

func TestNonZeroStatusCarriesErrorText(t *testing.T) {
	client, serverErr := dialMock(t, []mockOp{
		{cmd: "WRITE_ATTR ad9361-phy voltage0 hardwaregain 200.000", status: -22, payload: "Invalid argument"},
	})

	err := client.WriteAttr("ad9361-phy", "voltage0", "hardwaregain", "200.000")
	if err == nil {
		t.Fatal("expected error for nonzero status")
	}
	if !strings.Contains(err.Error(), "-22") || !strings.Contains(err.Error(), "Invalid argument") {
		t.Fatalf("error %q does not carry status and server text", err)
	}
	finishServer(t, serverErr)
}

func TestMalformedHeader(t *testing.T) {
	client, serverErr := dialMock(t, []mockOp{
		{cmd: "VERSION", header: "MALFORMED\n"},
	})

	if _, err := client.Version(); err == nil {
		t.Fatal("expected error for malformed reply header")
	}
	finishServer(t, serverErr)
}

func TestArgumentValidation(t *testing.T) {
	client := &Client{}
	if _, err := client.ListChannels("  "); err == nil {
		t.Fatal("expected error for blank device name")
	}
	if err := client.OpenBuffer("adc", 0); err == nil {
		t.Fatal("expected error for zero sample count")
	}
	if _, err := client.ReadBuffer("adc", -1); err == nil {
		t.Fatal("expected error for negative sample count")
	}
}

func TestCloseIdempotent(t *testing.T) {
	client, _ := dialMock(t, nil)

	if err := client.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := client.Version(); err == nil {
		t.Fatal("expected error executing on a closed client")
	}
}
