// Package contract 定义调度阶段与外部算法之间的请求/响应协议
//
// 每个阶段有各自的请求和结果类型。算法返回的原始 JSON 先通过该阶段的
// JSON Schema 校验，再解码为强类型结构，之后交给 apply 包做语义校验。
// 所有跨越边界的时间值 (dueDate、createdAt、readyAt、now) 都是以最早
// 订单创建时间为零点的仿真相对分钟数。
package contract

import (
	"remanufacturing-scheduler/internal/types"
)

// Request 是某个阶段的算法输入
type Request interface {
	Stage() types.Stage
}

// Result 是某个阶段的算法输出
type Result interface {
	Stage() types.Stage
}

// --- PAP ---

type PAPOrder struct {
	OrderID             string      `json:"orderId"`
	CreatedAt           *float64    `json:"createdAt,omitempty"`
	DueDate             *float64    `json:"dueDate,omitempty"`
	DisassemblyDuration *float64    `json:"disassemblyDuration,omitempty"`
	AssemblyDuration    *float64    `json:"assemblyDuration,omitempty"`
	PriorityHint        *float64    `json:"priorityHint,omitempty"`
	DomainSequences     interface{} `json:"domainSequences,omitempty"`
}

type PAPConfig struct {
	QMin            int                   `json:"qMin"`
	QMax            int                   `json:"qMax"`
	IntervalMinutes float64               `json:"intervalMinutes"`
	ArrivalRateHint float64               `json:"arrivalRateHint"`
	FactoryCapacity types.FactoryCapacity `json:"factoryCapacity"`
}

type PAPRequest struct {
	Now              float64     `json:"now"`
	Orders           []PAPOrder  `json:"orders"`
	Config           PAPConfig   `json:"config"`
	ProcessSequences interface{} `json:"processSequences,omitempty"`
}

func (PAPRequest) Stage() types.Stage { return types.StagePAP }

type PAPResult struct {
	Batches []types.Batch         `json:"batches"`
	EtaList []types.EtaPrediction `json:"etaList"`
	Debug   []interface{}         `json:"debug,omitempty"`
}

func (PAPResult) Stage() types.Stage { return types.StagePAP }

// --- PIP ---

type PIPOrder struct {
	OrderID         string                 `json:"orderId"`
	DueDate         *float64               `json:"dueDate,omitempty"`
	ReadyAt         *float64               `json:"readyAt,omitempty"`
	ProductGroup    string                 `json:"productGroup,omitempty"`
	ProductVariant  string                 `json:"productVariant,omitempty"`
	DisassemblyOps  []types.OperationBlock `json:"disassemblyOps,omitempty"`
	AssemblyOps     []types.OperationBlock `json:"assemblyOps,omitempty"`
	RouteCandidates []string               `json:"routeCandidates,omitempty"`
}

type PIPConfig struct {
	QMin            int                   `json:"qMin"`
	QMax            int                   `json:"qMax"`
	HorizonMinutes  float64               `json:"horizonMinutes"`
	TardinessWeight float64               `json:"tardinessWeight"`
	VarianceWeight  float64               `json:"varianceWeight"`
	FactoryCapacity types.FactoryCapacity `json:"factoryCapacity"`
}

type PIPRequest struct {
	Now    float64    `json:"now"`
	Orders []PIPOrder `json:"orders"`
	Config PIPConfig  `json:"config"`
}

func (PIPRequest) Stage() types.Stage { return types.StagePIP }

// ResultKind 区分 PIP 的"仅评分"与"放行"两类结果
type ResultKind string

const (
	KindScore   ResultKind = "score"
	KindRelease ResultKind = "release"
)

type PIPResult struct {
	Kind        ResultKind            `json:"kind,omitempty"`
	Priorities  []types.PriorityEntry `json:"priorities"`
	Routes      []types.RoutePlan     `json:"routes"`
	Batches     []types.Batch         `json:"batches"`
	ReleaseList []string              `json:"releaseList"`
	Debug       []interface{}         `json:"debug,omitempty"`
}

func (PIPResult) Stage() types.Stage { return types.StagePIP }

// EffectiveKind 返回结果类型；未显式给出时，releaseList 非空视为放行
func (r PIPResult) EffectiveKind() ResultKind {
	if r.Kind != "" {
		return r.Kind
	}
	if len(r.ReleaseList) > 0 {
		return KindRelease
	}
	return KindScore
}

// --- PIPO ---

type PIPOOrder struct {
	OrderID         string                 `json:"orderId"`
	DueDate         *float64               `json:"dueDate,omitempty"`
	Operations      []types.OperationBlock `json:"operations"`
	DomainSequences interface{}            `json:"domainSequences,omitempty"`
}

type PIPOConfig struct {
	ObjectiveWeights  map[string]float64    `json:"objectiveWeights"`
	FactoryCapacity   types.FactoryCapacity `json:"factoryCapacity"`
	FlexShareSettings interface{}           `json:"flexShareSettings"`
	SetupMinutes      float64               `json:"setupMinutes"`
	SetupWeight       float64               `json:"setupWeight"`
}

type PIPORequest struct {
	StartTime float64     `json:"startTime"`
	Orders    []PIPOOrder `json:"orders"`
	Config    PIPOConfig  `json:"config"`
}

func (PIPORequest) Stage() types.Stage { return types.StagePIPO }

type PIPOResult struct {
	ParetoSet      []types.Plan           `json:"paretoSet"`
	SelectedPlanID string                 `json:"selectedPlanId"`
	ReleasedOps    []types.OperationBlock `json:"releasedOps"`
	Debug          []interface{}          `json:"debug,omitempty"`
}

func (PIPOResult) Stage() types.Stage { return types.StagePIPO }

// SelectedPlan 返回被选中的方案
func (r PIPOResult) SelectedPlan() (types.Plan, bool) {
	for _, p := range r.ParetoSet {
		if p.ID == r.SelectedPlanID {
			return p, true
		}
	}
	return types.Plan{}, false
}
