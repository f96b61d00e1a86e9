package proving

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// RequestType 标识证明任务的类型，决定输入与结果的结构。
type RequestType uint8

const (
	PublicVM RequestType = iota
	PublicKernelNonTail
	PublicKernelTail
	BaseRollup
	MergeRollup
	RootRollup
	BaseParity
	RootParity
	PrivateKernelEmpty

	requestTypeCount
)

var requestTypeNames = [...]string{
	PublicVM:            "PUBLIC_VM",
	PublicKernelNonTail: "PUBLIC_KERNEL_NON_TAIL",
	PublicKernelTail:    "PUBLIC_KERNEL_TAIL",
	BaseRollup:          "BASE_ROLLUP",
	MergeRollup:         "MERGE_ROLLUP",
	RootRollup:          "ROOT_ROLLUP",
	BaseParity:          "BASE_PARITY",
	RootParity:          "ROOT_PARITY",
	PrivateKernelEmpty:  "PRIVATE_KERNEL_EMPTY",
}

// AllRequestTypes 返回封闭集合中的全部任务类型。
func AllRequestTypes() []RequestType {
	types := make([]RequestType, 0, requestTypeCount)
	for t := RequestType(0); t < requestTypeCount; t++ {
		types = append(types, t)
	}
	return types
}

// Valid 判断类型是否属于封闭集合。
func (t RequestType) Valid() bool {
	return t < requestTypeCount
}

func (t RequestType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
	return requestTypeNames[t]
}

// ParseRequestType 将名称解析为任务类型，大小写不敏感。
func ParseRequestType(name string) (RequestType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	for t := RequestType(0); t < requestTypeCount; t++ {
		if requestTypeNames[t] == normalized {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown proving request type %q", name)
}

// MarshalText 以名称形式序列化，便于 JSON 与 YAML 使用。
func (t RequestType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal proving request type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText 解析名称形式的任务类型。
func (t *RequestType) UnmarshalText(text []byte) error {
	parsed, err := ParseRequestType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PublicKernelType 区分非尾部公共内核证明的阶段。
type PublicKernelType uint8

const (
	KernelNone PublicKernelType = iota
	KernelSetup
	KernelAppLogic
	KernelTeardown
)

var kernelTypeNames = [...]string{
	KernelNone:     "",
	KernelSetup:    "SETUP",
	KernelAppLogic: "APP_LOGIC",
	KernelTeardown: "TEARDOWN",
}

func (k PublicKernelType) String() string {
	if int(k) >= len(kernelTypeNames) {
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
	return kernelTypeNames[k]
}

// MarshalText 实现 encoding.TextMarshaler。
func (k PublicKernelType) MarshalText() ([]byte, error) {
	if int(k) >= len(kernelTypeNames) {
		return nil, fmt.Errorf("cannot marshal public kernel type %d", uint8(k))
	}
	return []byte(kernelTypeNames[k]), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (k *PublicKernelType) UnmarshalText(text []byte) error {
	normalized := strings.ToUpper(strings.TrimSpace(string(text)))
	for i, name := range kernelTypeNames {
		if name == normalized {
			*k = PublicKernelType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown public kernel type %q", string(text))
}

// JobID 是证明任务的不透明标识。
type JobID string

// ProvingRequest 描述一次证明请求，Inputs 对代理而言是不透明的。
type ProvingRequest struct {
	Type       RequestType      `json:"type"`
	KernelType PublicKernelType `json:"kernel_type,omitempty"`
	Inputs     json.RawMessage  `json:"inputs,omitempty"`
}

// ProvingJob 是任务源交给代理处理的单个任务。
type ProvingJob struct {
	ID      JobID          `json:"id"`
	Request ProvingRequest `json:"request"`
}

// ProvingRequestResult 是证明成功时的输出。
type ProvingRequestResult struct {
	Type                RequestType     `json:"type"`
	Proof               hexutil.Bytes   `json:"proof"`
	VerificationKeyHash common.Hash     `json:"verification_key_hash"`
	Outputs             json.RawMessage `json:"outputs,omitempty"`
}

// MakeEmptyProof 返回固定的占位结果，用于尚未交给真实证明器的类型。
func MakeEmptyProof(t RequestType) *ProvingRequestResult {
	return &ProvingRequestResult{
		Type:    t,
		Proof:   hexutil.Bytes{},
		Outputs: json.RawMessage(`{}`),
	}
}

// RequestDigest 计算请求内容的 keccak256 摘要，用于识别重复提交。
func RequestDigest(req ProvingRequest) common.Hash {
	return crypto.Keccak256Hash([]byte{byte(req.Type), byte(req.KernelType)}, req.Inputs)
}
