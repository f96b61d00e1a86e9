package proving

import (
	"context"
	"encoding/json"
)

// CircuitProver 为每种任务类型提供一个长时间运行的证明操作。
// PUBLIC_VM 没有对应的操作，由代理在本地以占位结果完成。
type CircuitProver interface {
	GetPublicKernelProof(ctx context.Context, kernelType PublicKernelType, inputs json.RawMessage) (*ProvingRequestResult, error)
	GetPublicTailProof(ctx context.Context, inputs json.RawMessage) (*ProvingRequestResult, error)
	GetBaseRollupProof(ctx context.Context, inputs json.RawMessage) (*ProvingRequestResult, error)
	GetMergeRollupProof(ctx context.Context, inputs json.RawMessage) (*ProvingRequestResult, error)
	GetRootRollupProof(ctx context.Context, inputs json.RawMessage) (*ProvingRequestResult, error)
	GetBaseParityProof(ctx context.Context, inputs json.RawMessage) (*ProvingRequestResult, error)
	GetRootParityProof(ctx context.Context, inputs json.RawMessage) (*ProvingRequestResult, error)
	GetEmptyPrivateKernelProof(ctx context.Context, inputs json.RawMessage) (*ProvingRequestResult, error)
}
