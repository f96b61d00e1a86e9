// Package simulated 提供不依赖证明后端的本地证明器，用于开发与联调。
package simulated

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Prover/internal/proving"
)

// FailureField 出现在输入对象中时，证明器以该字段的值作为失败原因。
const FailureField = "simulate_error"

// Prover 在固定延迟后返回由输入派生的确定性伪证明。
type Prover struct {
	latency time.Duration
}

// New 创建模拟证明器。
func New(latency time.Duration) *Prover {
	if latency < 0 {
		latency = 0
	}
	return &Prover{latency: latency}
}

func (p *Prover) GetPublicKernelProof(ctx context.Context, kernelType proving.PublicKernelType, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.prove(ctx, proving.ProvingRequest{Type: proving.PublicKernelNonTail, KernelType: kernelType, Inputs: inputs})
}

func (p *Prover) GetPublicTailProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.prove(ctx, proving.ProvingRequest{Type: proving.PublicKernelTail, Inputs: inputs})
}

func (p *Prover) GetBaseRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.prove(ctx, proving.ProvingRequest{Type: proving.BaseRollup, Inputs: inputs})
}

func (p *Prover) GetMergeRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.prove(ctx, proving.ProvingRequest{Type: proving.MergeRollup, Inputs: inputs})
}

func (p *Prover) GetRootRollupProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.prove(ctx, proving.ProvingRequest{Type: proving.RootRollup, Inputs: inputs})
}

func (p *Prover) GetBaseParityProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.prove(ctx, proving.ProvingRequest{Type: proving.BaseParity, Inputs: inputs})
}

func (p *Prover) GetRootParityProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.prove(ctx, proving.ProvingRequest{Type: proving.RootParity, Inputs: inputs})
}

func (p *Prover) GetEmptyPrivateKernelProof(ctx context.Context, inputs json.RawMessage) (*proving.ProvingRequestResult, error) {
	return p.prove(ctx, proving.ProvingRequest{Type: proving.PrivateKernelEmpty, Inputs: inputs})
}

func (p *Prover) prove(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if reason := injectedFailure(req.Inputs); reason != "" {
		return nil, proving.NewProvingError(reason)
	}

	digest := proving.RequestDigest(req)
	outputs, err := json.Marshal(map[string]string{"digest": digest.Hex()})
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}
	return &proving.ProvingRequestResult{
		Type:                req.Type,
		Proof:               hexutil.Bytes(crypto.Keccak256(digest.Bytes(), []byte("proof"))),
		VerificationKeyHash: crypto.Keccak256Hash([]byte("vk"), []byte(req.Type.String())),
		Outputs:             outputs,
	}, nil
}

func injectedFailure(inputs json.RawMessage) string {
	if len(inputs) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inputs, &fields); err != nil {
		return ""
	}
	raw, ok := fields[FailureField]
	if !ok {
		return ""
	}
	var reason string
	if err := json.Unmarshal(raw, &reason); err != nil || reason == "" {
		return "simulated proving failure"
	}
	return reason
}

var _ proving.CircuitProver = (*Prover)(nil)
