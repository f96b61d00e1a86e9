package ec2

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/proving"
)

// fakeEC2 只实现控制器用到的接口方法。
type fakeEC2 struct {
	ec2iface.EC2API

	mu       sync.Mutex
	state    string
	ip       string
	starts   int
	stops    int
	startErr error
}

func (f *fakeEC2) DescribeInstancesWithContext(_ aws.Context, in *ec2.DescribeInstancesInput, _ ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	instance := &ec2.Instance{
		InstanceId: in.InstanceIds[0],
		State:      &ec2.InstanceState{Name: aws.String(f.state)},
		NetworkInterfaces: []*ec2.InstanceNetworkInterface{{
			PrivateIpAddresses: []*ec2.InstancePrivateIpAddress{{PrivateIpAddress: aws.String(f.ip)}},
		}},
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []*ec2.Reservation{{Instances: []*ec2.Instance{instance}}},
	}, nil
}

func (f *fakeEC2) StartInstancesWithContext(aws.Context, *ec2.StartInstancesInput, ...request.Option) (*ec2.StartInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.starts++
	f.state = ec2.InstanceStateNamePending
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeEC2) WaitUntilInstanceRunningWithContext(aws.Context, *ec2.DescribeInstancesInput, ...request.WaiterOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = ec2.InstanceStateNameRunning
	return nil
}

func (f *fakeEC2) StopInstancesWithContext(aws.Context, *ec2.StopInstancesInput, ...request.Option) (*ec2.StopInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = ec2.InstanceStateNameStopped
	return &ec2.StopInstancesOutput{}, nil
}

func (f *fakeEC2) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeBackend struct {
	endpoint string
	readyErr error
	closed   bool
	block    chan struct{}
}

func (b *fakeBackend) WaitReady(context.Context) error { return b.readyErr }
func (b *fakeBackend) Close()                          { b.closed = true }

func (b *fakeBackend) result(t proving.RequestType) (*proving.ProvingRequestResult, error) {
	if b.block != nil {
		<-b.block
	}
	return &proving.ProvingRequestResult{Type: t, Proof: []byte(b.endpoint)}, nil
}

func (b *fakeBackend) GetPublicKernelProof(context.Context, proving.PublicKernelType, json.RawMessage) (*proving.ProvingRequestResult, error) {
	return b.result(proving.PublicKernelNonTail)
}
func (b *fakeBackend) GetPublicTailProof(context.Context, json.RawMessage) (*proving.ProvingRequestResult, error) {
	return b.result(proving.PublicKernelTail)
}
func (b *fakeBackend) GetBaseRollupProof(context.Context, json.RawMessage) (*proving.ProvingRequestResult, error) {
	return b.result(proving.BaseRollup)
}
func (b *fakeBackend) GetMergeRollupProof(context.Context, json.RawMessage) (*proving.ProvingRequestResult, error) {
	return b.result(proving.MergeRollup)
}
func (b *fakeBackend) GetRootRollupProof(context.Context, json.RawMessage) (*proving.ProvingRequestResult, error) {
	return b.result(proving.RootRollup)
}
func (b *fakeBackend) GetBaseParityProof(context.Context, json.RawMessage) (*proving.ProvingRequestResult, error) {
	return b.result(proving.BaseParity)
}
func (b *fakeBackend) GetRootParityProof(context.Context, json.RawMessage) (*proving.ProvingRequestResult, error) {
	return b.result(proving.RootParity)
}
func (b *fakeBackend) GetEmptyPrivateKernelProof(context.Context, json.RawMessage) (*proving.ProvingRequestResult, error) {
	return b.result(proving.PrivateKernelEmpty)
}

type dialRecorder struct {
	mu        sync.Mutex
	endpoints []string
	backends  []*fakeBackend
	readyErr  error
	block     chan struct{}
}

func (d *dialRecorder) dial(_ context.Context, endpoint string) (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := &fakeBackend{endpoint: endpoint, readyErr: d.readyErr, block: d.block}
	d.endpoints = append(d.endpoints, endpoint)
	d.backends = append(d.backends, b)
	return b, nil
}

func TestOnDemandStartsProvesAndStops(t *testing.T) {
	api := &fakeEC2{state: ec2.InstanceStateNameStopped, ip: "10.0.0.7"}
	controller := newController(api, "i-123")
	if err := controller.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if controller.Running() {
		t.Fatalf("instance should start stopped")
	}
	dialer := &dialRecorder{}
	prover := NewOnDemand(controller, dialer.dial, WithEndpoint("http", 8545))

	result, err := prover.GetRootRollupProof(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if result.Type != proving.RootRollup || string(result.Proof) != "http://10.0.0.7:8545" {
		t.Fatalf("unexpected result %+v", result)
	}
	starts, stops := api.counts()
	if starts != 1 || stops != 1 {
		t.Fatalf("expected one start and one stop, got %d / %d", starts, stops)
	}
	if !dialer.backends[0].closed {
		t.Fatalf("backend must be closed once idle")
	}
	if prover.InFlight() != 0 {
		t.Fatalf("in flight counter leaked")
	}
}

func TestOnDemandKeepsInstanceWhileBusy(t *testing.T) {
	api := &fakeEC2{state: ec2.InstanceStateNameRunning, ip: "10.0.0.8"}
	controller := newController(api, "i-456")
	if err := controller.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	release := make(chan struct{})
	dialer := &dialRecorder{block: release}
	prover := NewOnDemand(controller, dialer.dial)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := prover.GetBaseParityProof(context.Background(), nil); err != nil {
				t.Errorf("prove: %v", err)
			}
		}()
	}
	for prover.InFlight() != 3 {
		time.Sleep(time.Millisecond)
	}
	if _, stops := api.counts(); stops != 0 {
		t.Fatalf("instance stopped while proofs were running")
	}
	close(release)
	wg.Wait()

	starts, stops := api.counts()
	if starts != 0 || stops != 1 {
		t.Fatalf("expected no start and one stop, got %d / %d", starts, stops)
	}
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.endpoints) != 1 {
		t.Fatalf("expected a single shared connection, got %v", dialer.endpoints)
	}
}

func TestOnDemandStartFailure(t *testing.T) {
	api := &fakeEC2{state: ec2.InstanceStateNameStopped, ip: "10.0.0.9", startErr: errors.New("insufficient capacity")}
	controller := newController(api, "i-789")
	prover := NewOnDemand(controller, (&dialRecorder{}).dial, WithStopWhenIdle(false))

	_, err := prover.GetMergeRollupProof(context.Background(), nil)
	if !xerrors.IsCode(err, xerrors.CodeProverUnavailable) {
		t.Fatalf("expected PROVER_UNAVAILABLE, got %v", err)
	}
	if prover.InFlight() != 0 {
		t.Fatalf("in flight counter leaked")
	}
}

func TestOnDemandBackendNotReady(t *testing.T) {
	api := &fakeEC2{state: ec2.InstanceStateNameRunning, ip: "10.0.0.10"}
	controller := newController(api, "i-abc")
	if err := controller.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	notReady := xerrors.New(xerrors.CodeProverUnavailable, "not ready")
	dialer := &dialRecorder{readyErr: notReady}
	prover := NewOnDemand(controller, dialer.dial, WithStopWhenIdle(false))

	if _, err := prover.GetPublicTailProof(context.Background(), nil); !errors.Is(err, notReady) {
		t.Fatalf("expected readiness error, got %v", err)
	}
	if !dialer.backends[0].closed {
		t.Fatalf("unready backend must be closed")
	}
	if _, stops := api.counts(); stops != 0 {
		t.Fatalf("instance must stay up when stop-when-idle is disabled")
	}
}
