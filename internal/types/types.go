package types

import (
	"fmt"
	"strings"
)

// Stage 定义调度阶段
// 订单按 PAP -> PIP -> PIPO 的顺序依次经过三个阶段
type Stage string

const (
	StagePAP  Stage = "pap"  // 预受理阶段 (Pre-Acceptance)：粗粒度批次划分与 ETA 预测
	StagePIP  Stage = "pip"  // 预检阶段 (Pre-Inspection)：优先级、路线与中期批次
	StagePIPO Stage = "pipo" // 检后阶段 (Post-Inspection Optimization)：细粒度多目标排程
)

// Stages 按固定执行顺序列出所有阶段
var Stages = []Stage{StagePAP, StagePIP, StagePIPO}

// ParseStage 解析阶段名称，大小写不敏感
func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StagePAP:
		return StagePAP, nil
	case StagePIP:
		return StagePIP, nil
	case StagePIPO:
		return StagePIPO, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Next 返回下一个阶段，PIPO 没有下一个阶段
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StagePAP:
		return StagePIP, true
	case StagePIP:
		return StagePIPO, true
	}
	return "", false
}

// Upper 返回用于日志和外部接口的大写名称
func (s Stage) Upper() string { return strings.ToUpper(string(s)) }

// TriangularFuzzy 三角模糊数：下界 / 最可能值 / 上界
type TriangularFuzzy struct {
	Lower      float64 `json:"lower"`
	MostLikely float64 `json:"mostLikely"`
	Upper      float64 `json:"upper"`
}

// PlanWindow 计划时间窗
type PlanWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// OperationBlock 表示一道拆解或装配工序
type OperationBlock struct {
	ID               string   `json:"id"`
	StationID        string   `json:"stationId"`
	StationName      string   `json:"stationName,omitempty"`
	OrderID          string   `json:"orderId,omitempty"`
	ExpectedDuration float64  `json:"expectedDuration"`
	StartTime        *float64 `json:"startTime,omitempty"`
	EndTime          *float64 `json:"endTime,omitempty"`
	Resources        []string `json:"resources,omitempty"`
}

// PoolRecord 是单个订单在当前阶段的调度状态
// 可选字段使用指针或 nil 集合表示"未设置"，合并时只覆盖已设置的字段
type PoolRecord struct {
	OrderID               string                     `json:"orderId"`
	EtaDeliveryPrediction *float64                   `json:"etaDeliveryPrediction,omitempty"`
	StateDistribution     map[string]TriangularFuzzy `json:"stateDistribution,omitempty"`
	RouteCandidates       []string                   `json:"routeCandidates,omitempty"`
	SelectedRouteID       *string                    `json:"selectedRouteId,omitempty"`
	DisassemblyOperations []OperationBlock           `json:"disassemblyOperations,omitempty"`
	AssemblyOperations    []OperationBlock           `json:"assemblyOperations,omitempty"`
	PriorityScore         *float64                   `json:"priorityScore,omitempty"`
	BatchID               *string                    `json:"batchId,omitempty"`
	PlanWindow            *PlanWindow                `json:"planWindow,omitempty"`
	FineStartTimes        map[string]float64         `json:"fineStartTimes,omitempty"`
	FineEndTimes          map[string]float64         `json:"fineEndTimes,omitempty"`
	Metadata              map[string]interface{}     `json:"metadata,omitempty"`
	ProcessSequences      interface{}                `json:"processSequences,omitempty"`

	// 以下字段由 Pool Store 和调度流程维护
	ArrivalSeq        int64    `json:"arrivalSeq"`                  // 进入当前阶段时的 store 版本号，决定自然排队位置
	OptimizedPosition *int     `json:"optimizedPosition,omitempty"` // 最近一次成功运行给出的位置
	ReleasedOps       []string `json:"releasedOps,omitempty"`       // 已下发给订单生命周期服务的工序号，只增不减
}

// Operations 按拆解、装配的顺序返回全部工序
func (r *PoolRecord) Operations() []OperationBlock {
	ops := make([]OperationBlock, 0, len(r.DisassemblyOperations)+len(r.AssemblyOperations))
	ops = append(ops, r.DisassemblyOperations...)
	return append(ops, r.AssemblyOperations...)
}

// IsReleased 判断工序是否已经下发
func (r *PoolRecord) IsReleased(opID string) bool {
	for _, id := range r.ReleasedOps {
		if id == opID {
			return true
		}
	}
	return false
}

// PendingOperations 返回尚未下发的工序，顺序与 Operations 相同
func (r *PoolRecord) PendingOperations() []OperationBlock {
	ops := r.Operations()
	if len(r.ReleasedOps) == 0 {
		return ops
	}
	out := ops[:0]
	for _, op := range ops {
		if !r.IsReleased(op.ID) {
			out = append(out, op)
		}
	}
	return out
}

// Mode 调度模式
type Mode string

const (
	ModeFCFS       Mode = "FCFS"
	ModeIntegrated Mode = "INTEGRATED"
)

// BatchPolicy 批次策略
type BatchPolicy struct {
	QMin           int     `mapstructure:"q_min" json:"qMin"`
	QMax           int     `mapstructure:"q_max" json:"qMax"`
	HorizonMinutes float64 `mapstructure:"horizon_minutes" json:"horizonMinutes,omitempty"`
}

// StageRules 单个阶段的规则表达式 (expr 语法)
type StageRules struct {
	Gate    string `mapstructure:"gate" json:"gate,omitempty"`       // 阶段是否需要执行，为空则默认执行
	Release string `mapstructure:"release" json:"release,omitempty"` // PAP 批次是否放行到 PIP，为空则全部放行
}

// AlgorithmSelectors 每个阶段的外部算法引用 (脚本命令行或 HTTP 端点)
type AlgorithmSelectors struct {
	PAP  string `mapstructure:"pap" json:"pap,omitempty"`
	PIP  string `mapstructure:"pip" json:"pip,omitempty"`
	PIPO string `mapstructure:"pipo" json:"pipo,omitempty"`
}

// For 返回指定阶段的算法引用
func (a AlgorithmSelectors) For(stage Stage) string {
	switch stage {
	case StagePAP:
		return a.PAP
	case StagePIP:
		return a.PIP
	case StagePIPO:
		return a.PIPO
	}
	return ""
}

// SchedulingConfig 单个工厂的调度配置
type SchedulingConfig struct {
	Mode                      Mode                   `mapstructure:"mode" json:"mode"`
	SchedulingIntervalMinutes float64                `mapstructure:"scheduling_interval_minutes" json:"schedulingIntervalMinutes"`
	BatchPolicy               BatchPolicy            `mapstructure:"batch_policy" json:"batchPolicy"`
	TardinessWeight           *float64               `mapstructure:"tardiness_weight" json:"tardinessWeight,omitempty"`
	VarianceWeight            *float64               `mapstructure:"variance_weight" json:"varianceWeight,omitempty"`
	Algorithms                AlgorithmSelectors     `mapstructure:"algorithms" json:"algorithms,omitempty"`
	TimeoutSeconds            float64                `mapstructure:"timeout_seconds" json:"timeoutSeconds,omitempty"`
	Rules                     map[Stage]StageRules   `mapstructure:"rules" json:"rules,omitempty"`
	Meta                      map[string]interface{} `mapstructure:"meta" json:"meta,omitempty"`
}

// ShiftModel 班次模型
type ShiftModel struct {
	ShiftsPerDay  int     `mapstructure:"shifts_per_day" json:"shiftsPerDay"`
	HoursPerShift float64 `mapstructure:"hours_per_shift" json:"hoursPerShift"`
}

// FactoryCapacity 由外部产能服务提供的工厂产能数据
type FactoryCapacity struct {
	AssemblyStations        int                `mapstructure:"assembly_stations" json:"assemblyStations"`
	DisassemblyStations     int                `mapstructure:"disassembly_stations" json:"disassemblyStations"`
	DefaultProcessingTimes  map[string]float64 `mapstructure:"default_processing_times" json:"defaultProcessingTimes,omitempty"`
	Shift                   ShiftModel         `mapstructure:"shift" json:"shiftModel"`
	OverallCapacityPerShift float64            `mapstructure:"overall_capacity" json:"overallCapacity"`
}

// Batch 一组同时放行的订单
type Batch struct {
	ID        string                 `json:"id"`
	OrderIDs  []string               `json:"orderIds"`
	ReleaseAt float64                `json:"releaseAt"`
	Score     *float64               `json:"score,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// EtaPrediction 交期预测
type EtaPrediction struct {
	OrderID    string   `json:"orderId"`
	Eta        float64  `json:"eta"`
	Lower      *float64 `json:"lower,omitempty"`
	Upper      *float64 `json:"upper,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// PriorityEntry 优先级评分
type PriorityEntry struct {
	OrderID            string   `json:"orderId"`
	Priority           float64  `json:"priority"`
	DueDate            *float64 `json:"dueDate,omitempty"`
	ExpectedCompletion *float64 `json:"expectedCompletion,omitempty"`
}

// RoutePlan 订单的路线方案
type RoutePlan struct {
	OrderID       string                 `json:"orderId"`
	RouteID       string                 `json:"routeId"`
	Operations    []OperationBlock       `json:"operations"`
	ExpectedStart float64                `json:"expectedStart"`
	ExpectedEnd   float64                `json:"expectedEnd"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
}

// Plan 细粒度排程方案 (PIPO 帕累托集合中的一个解)
type Plan struct {
	ID              string                 `json:"id"`
	ObjectiveValues map[string]float64     `json:"objectiveValues"`
	Operations      []OperationBlock       `json:"operations"`
	Meta            map[string]interface{} `json:"meta,omitempty"`
}

// LogMode 调度日志模式
type LogMode string

const (
	LogModeSummary    LogMode = "SUMMARY"
	LogModeIntegrated LogMode = "INTEGRATED"
)

// RunStatus 阶段运行结果
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// SchedulingLogEntry 一次阶段运行的不可变日志
type SchedulingLogEntry struct {
	ID        string                 `json:"id" bson:"_id"`
	FactoryID string                 `json:"factoryId" bson:"factoryId"`
	Stage     Stage                  `json:"stage" bson:"stage"`
	Mode      LogMode                `json:"mode" bson:"mode"`
	Status    RunStatus              `json:"status" bson:"status"`
	CreatedAt int64                  `json:"createdAt" bson:"createdAt"` // Unix 毫秒
	Details   map[string]interface{} `json:"details" bson:"details"`
}

// Float 返回指向 v 的指针，便于构造可选字段
func Float(v float64) *float64 { return &v }

// String 返回指向 s 的指针
func String(s string) *string { return &s }
