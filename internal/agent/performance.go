package agent

import (
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Performance summarizes an agent's call and transfer record.
type Performance struct {
	Agent               models.Agent
	TotalCallsHandled   int
	SuccessfulTransfers int
	TransfersReceived   int64
	TransfersAborted    int64
	CallsEnded          int64
	AvgCallSeconds      float64
}

// TransferSuccessRate is the share of transfers the agent started that
// completed. It is zero when the agent has not finished any.
func (p Performance) TransferSuccessRate() float64 {
	total := float64(p.SuccessfulTransfers) + float64(p.TransfersAborted)
	if total == 0 {
		return 0
	}
	return float64(p.SuccessfulTransfers) / total
}

// GetPerformance loads the counters kept on the agent row and derives the
// rest from finished transfers and ended calls.
func GetPerformance(db *gorm.DB, id string) (*Performance, error) {
	a, err := Get(db, id)
	if err != nil {
		return nil, err
	}
	p := &Performance{
		Agent:               *a,
		TotalCallsHandled:   a.TotalCallsHandled,
		SuccessfulTransfers: a.SuccessfulTransfers,
	}
	if err := db.Model(&models.Transfer{}).
		Where("target_agent_id = ? AND stage = ?", id, "completed").
		Count(&p.TransfersReceived).Error; err != nil {
		return nil, fmt.Errorf("agent: count received transfers %s: %w", id, err)
	}
	if err := db.Model(&models.Transfer{}).
		Where("source_agent_id = ? AND stage = ?", id, "aborted").
		Count(&p.TransfersAborted).Error; err != nil {
		return nil, fmt.Errorf("agent: count aborted transfers %s: %w", id, err)
	}

	var calls struct {
		N   int64
		Avg float64
	}
	if err := db.Model(&models.Call{}).
		Select("COUNT(*) AS n, COALESCE(AVG(duration_seconds), 0) AS avg").
		Where("agent_id = ? AND status = ?", id, "ended").
		Scan(&calls).Error; err != nil {
		return nil, fmt.Errorf("agent: call stats %s: %w", id, err)
	}
	p.CallsEnded = calls.N
	p.AvgCallSeconds = calls.Avg
	return p, nil
}
