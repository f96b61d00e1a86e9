package agent

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/proving"
)

// operation 是某一任务类型对应的证明操作。
type operation func(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error)

// Router 按任务类型把请求分发给对应的证明操作。
// 映射在构造时固定，并校验封闭集合中的每种类型都有对应项。
type Router struct {
	table map[proving.RequestType]operation
}

// NewRouter 基于 CircuitProver 构造路由表。
func NewRouter(prover proving.CircuitProver) (*Router, error) {
	if prover == nil {
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration, "circuit prover is required")
	}
	return newRouter(operationTable(prover))
}

func newRouter(table map[proving.RequestType]operation) (*Router, error) {
	var missing []string
	for _, t := range proving.AllRequestTypes() {
		if table[t] == nil {
			missing = append(missing, t.String())
		}
	}
	if len(missing) > 0 {
		return nil, xerrors.New(xerrors.CodeInvalidConfiguration,
			fmt.Sprintf("no proving operation for request types: %s", strings.Join(missing, ", ")))
	}
	return &Router{table: table}, nil
}

func operationTable(p proving.CircuitProver) map[proving.RequestType]operation {
	return map[proving.RequestType]operation{
		proving.PublicVM: func(context.Context, proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
			// AVM 证明尚未交给真实证明器。
			return proving.MakeEmptyProof(proving.PublicVM), nil
		},
		proving.PublicKernelNonTail: func(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
			return p.GetPublicKernelProof(ctx, req.KernelType, req.Inputs)
		},
		proving.PublicKernelTail: func(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
			return p.GetPublicTailProof(ctx, req.Inputs)
		},
		proving.BaseRollup: func(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
			return p.GetBaseRollupProof(ctx, req.Inputs)
		},
		proving.MergeRollup: func(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
			return p.GetMergeRollupProof(ctx, req.Inputs)
		},
		proving.RootRollup: func(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
			return p.GetRootRollupProof(ctx, req.Inputs)
		},
		proving.BaseParity: func(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
			return p.GetBaseParityProof(ctx, req.Inputs)
		},
		proving.RootParity: func(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
			return p.GetRootParityProof(ctx, req.Inputs)
		},
		proving.PrivateKernelEmpty: func(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
			return p.GetEmptyPrivateKernelProof(ctx, req.Inputs)
		},
	}
}

// Route 调用请求类型对应的证明操作，操作返回的错误原样向上传递。
func (r *Router) Route(ctx context.Context, req proving.ProvingRequest) (*proving.ProvingRequestResult, error) {
	op, ok := r.table[req.Type]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidRequestKind,
			fmt.Sprintf("invalid proving request type: %s", req.Type))
	}
	return op(ctx, req)
}
