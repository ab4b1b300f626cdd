// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package array

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relabs-tech/epsilon_streamer/internal/imu"
	"github.com/relabs-tech/epsilon_streamer/internal/metrics"
	"github.com/relabs-tech/epsilon_streamer/internal/orientation"
)

// fakeDevice is a simulated sensor whose readings the test can change while
// the worker samples it.
type fakeDevice struct {
	mu    sync.Mutex
	gyro  imu.Vector3
	accel imu.Vector3
	fail  bool
	panic bool
	gate  chan struct{} // when non-nil, Gyro blocks until it is closed
}

func (d *fakeDevice) Gyro() (imu.Vector3, error) {
	d.mu.Lock()
	gate, g, fail, p := d.gate, d.gyro, d.fail, d.panic
	d.mu.Unlock()

	if p {
		panic("sensor exploded")
	}
	if gate != nil {
		<-gate
	}
	if fail {
		return imu.Zero, fmt.Errorf("i2c: %w", imu.ErrDeviceRead)
	}
	return g, nil
}

func (d *fakeDevice) Accel() (imu.Vector3, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return imu.Zero, fmt.Errorf("i2c: %w", imu.ErrDeviceRead)
	}
	return d.accel, nil
}

func (d *fakeDevice) set(f func(d *fakeDevice)) {
	d.mu.Lock()
	f(d)
	d.mu.Unlock()
}

// fixedEstimator reports the same orientation until it is reset.
type fixedEstimator struct {
	q orientation.Quaternion
}

func (e *fixedEstimator) Update(imu.Vector3, imu.Vector3)      {}
func (e *fixedEstimator) Orientation() orientation.Quaternion { return e.q }
func (e *fixedEstimator) Reset()                              { e.q = orientation.Identity() }

func testOptions() Options {
	return Options{SampleRate: 1000, CalibrationSamples: 20}
}

func devices(n int) ([]imu.Device, []*fakeDevice) {
	devs := make([]imu.Device, 0, n)
	fakes := make([]*fakeDevice, 0, n)
	for i := 0; i < n; i++ {
		d := &fakeDevice{accel: imu.Vector3{Z: 1}}
		devs = append(devs, d)
		fakes = append(fakes, d)
	}
	return devs, fakes
}

func startArray(t *testing.T, devs []imu.Device, opts Options) *Array {
	t.Helper()
	a := New(devs, opts)
	t.Cleanup(func() { _ = a.Close(time.Second) })
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

// within fails the test if f does not return before d.
func within(t *testing.T, d time.Duration, f func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		t.Fatalf("call did not return within %s", d)
		return nil
	}
}

func quatClose(a, b orientation.Quaternion, tol float64) bool {
	return math.Abs(a.W-b.W) < tol && math.Abs(a.X-b.X) < tol &&
		math.Abs(a.Y-b.Y) < tol && math.Abs(a.Z-b.Z) < tol
}

func TestReadReturnsDeviceOrder(t *testing.T) {
	want := []orientation.Quaternion{
		{W: 1},
		{X: 1},
		{W: math.Sqrt2 / 2, Z: math.Sqrt2 / 2},
	}
	opts := testOptions()
	opts.NewEstimator = func(i int) orientation.Estimator { return &fixedEstimator{q: want[i]} }

	devs, _ := devices(3)
	a := startArray(t, devs, opts)

	for round := 0; round < 5; round++ {
		got := make([]orientation.Quaternion, a.Len())
		if err := within(t, 2*time.Second, func() error { return a.Read(got) }); err != nil {
			t.Fatalf("round %d: Read: %v", round, err)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("round %d: sensor %d = %+v, want %+v", round, i, got[i], want[i])
			}
		}
	}
}

func TestReadWaitsForSlowestWorker(t *testing.T) {
	devs, fakes := devices(3)
	a := startArray(t, devs, testOptions())

	dest := make([]orientation.Quaternion, 3)
	if err := within(t, 2*time.Second, func() error { return a.Read(dest) }); err != nil {
		t.Fatalf("warm-up Read: %v", err)
	}

	gate := make(chan struct{})
	fakes[2].set(func(d *fakeDevice) { d.gate = gate })
	time.Sleep(20 * time.Millisecond) // let sensor 2 block inside Gyro

	done := make(chan error, 1)
	go func() { done <- a.Read(dest) }()

	select {
	case err := <-done:
		t.Fatalf("Read returned (%v) while sensor 2 was stalled", err)
	case <-time.After(100 * time.Millisecond):
	}

	fakes[2].set(func(d *fakeDevice) { d.gate = nil })
	close(gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after sensor 2 resumed")
	}
}

func TestResetZeroesOrientation(t *testing.T) {
	bias := imu.Vector3{X: 0.5, Y: -1.25, Z: 2}
	devs, fakes := devices(3)
	for _, d := range fakes {
		d.gyro = bias
	}
	a := startArray(t, devs, testOptions())

	dest := make([]orientation.Quaternion, 3)
	if err := within(t, 2*time.Second, func() error { return a.Read(dest) }); err != nil {
		t.Fatalf("Read: %v", err)
	}

	// rotate sensor 0 about z, then hold it still again
	fakes[0].set(func(d *fakeDevice) { d.gyro = bias.Add(imu.Vector3{Z: 180}) })
	time.Sleep(100 * time.Millisecond)
	fakes[0].set(func(d *fakeDevice) { d.gyro = bias })

	if err := within(t, 2*time.Second, func() error { return a.Read(dest) }); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if quatClose(dest[0], orientation.Identity(), 1e-3) {
		t.Fatalf("sensor 0 did not rotate: %+v", dest[0])
	}

	if err := within(t, 2*time.Second, a.Reset); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := within(t, 2*time.Second, func() error { return a.Read(dest) }); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, q := range dest {
		if !quatClose(q, orientation.Identity(), 1e-6) {
			t.Fatalf("sensor %d after reset = %+v, want identity", i, q)
		}
	}
}

func TestWorkerPanicFailsReadInsteadOfHanging(t *testing.T) {
	devs, fakes := devices(3)
	a := startArray(t, devs, testOptions())

	dest := make([]orientation.Quaternion, 3)
	if err := within(t, 2*time.Second, func() error { return a.Read(dest) }); err != nil {
		t.Fatalf("Read: %v", err)
	}

	fakes[1].set(func(d *fakeDevice) { d.panic = true })

	err := within(t, 2*time.Second, func() error {
		// the worker may still be mid-iteration; keep reading until it dies
		for {
			if err := a.Read(dest); err != nil {
				return err
			}
		}
	})
	if !errors.Is(err, ErrWorkerFailed) {
		t.Fatalf("Read error = %v, want ErrWorkerFailed", err)
	}
	if err := within(t, 2*time.Second, a.Reset); !errors.Is(err, ErrWorkerFailed) {
		t.Fatalf("Reset error = %v, want ErrWorkerFailed", err)
	}
	if err := a.Close(time.Second); err == nil {
		t.Fatal("Close did not report the worker failure")
	}
}

func TestStartTwice(t *testing.T) {
	devs, _ := devices(2)
	a := startArray(t, devs, testOptions())
	if err := a.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestReadBeforeStart(t *testing.T) {
	devs, _ := devices(2)
	a := New(devs, testOptions())
	defer a.Close(time.Second)

	dest := make([]orientation.Quaternion, 2)
	if err := a.Read(dest); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Read = %v, want ErrNotStarted", err)
	}
	if err := a.Reset(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Reset = %v, want ErrNotStarted", err)
	}
}

func TestReadWrongSize(t *testing.T) {
	devs, _ := devices(3)
	a := startArray(t, devs, testOptions())
	if err := a.Read(make([]orientation.Quaternion, 2)); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("Read = %v, want ErrFrameSize", err)
	}
}

func TestCloseStopsWorkers(t *testing.T) {
	devs, _ := devices(4)
	a := New(devs, testOptions())
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Close(time.Second); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dest := make([]orientation.Quaternion, 4)
	if err := a.Read(dest); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read after Close = %v, want ErrClosed", err)
	}
}

func TestCloseBeforeStart(t *testing.T) {
	devs, _ := devices(2)
	a := New(devs, testOptions())
	if err := within(t, 2*time.Second, func() error { return a.Close(time.Second) }); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDeviceReadFailuresAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	opts := testOptions()
	opts.Metrics = m

	devs, fakes := devices(2)
	fakes[1].fail = true
	a := startArray(t, devs, opts)

	dest := make([]orientation.Quaternion, 2)
	if err := within(t, 2*time.Second, func() error { return a.Read(dest) }); err != nil {
		t.Fatalf("Read: %v", err)
	}
	// a failing device still reports, holding its orientation
	if !quatClose(dest[1], orientation.Identity(), 1e-9) {
		t.Fatalf("failing sensor orientation = %+v", dest[1])
	}
	if got := testutil.ToFloat64(m.DeviceReadFailures.WithLabelValues("1")); got == 0 {
		t.Fatal("no read failures counted for sensor 1")
	}
	if got := testutil.ToFloat64(m.DeviceReadFailures.WithLabelValues("0")); got != 0 {
		t.Fatalf("sensor 0 failures = %v, want 0", got)
	}
}

func TestFailedReadsDoNotRotateBiasedSensor(t *testing.T) {
	devs, fakes := devices(1)
	fakes[0].gyro = imu.Vector3{Z: 5}
	a := startArray(t, devs, testOptions())

	if err := within(t, 2*time.Second, a.Reset); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	fakes[0].set(func(d *fakeDevice) { d.fail = true })
	time.Sleep(300 * time.Millisecond)

	dest := make([]orientation.Quaternion, 1)
	if err := within(t, 2*time.Second, func() error { return a.Read(dest) }); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !quatClose(dest[0], orientation.Identity(), 1e-6) {
		p := orientation.PoseFromQuaternion(dest[0])
		t.Fatalf("resting sensor turned during a read outage: %+v (yaw %.3f deg)", dest[0], p.Yaw)
	}
}
