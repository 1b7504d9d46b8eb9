package engine

import (
	"github.com/tooldock/tooldock/internal/catalog"
	"github.com/tooldock/tooldock/internal/orchestrator/runtime"
)

// 月度成本基数，按安全等级
var tierBaseCost = map[string]float64{
	"basic":    5,
	"standard": 20,
	"premium":  50,
}

const (
	gpuSurcharge    = 30 // GPU 附加费
	costPerMemoryGB = 2
	hoursPerMonth   = 730 // 按月摊到小时
)

// EstimateCost returns an advisory monthly cost for an entry. It feeds the
// governance pre-check and the stats surface; billing is out of scope.
func EstimateCost(entry *catalog.Entry) float64 {
	cost, ok := tierBaseCost[entry.Tier]
	if !ok {
		cost = tierBaseCost["standard"]
	}
	if entry.RequiresGPU {
		cost += gpuSurcharge
	}
	memGB := float64(runtime.ParseMemoryBytes(entry.MemoryLimit)) / (1 << 30)
	cost += memGB * costPerMemoryGB
	return cost
}
