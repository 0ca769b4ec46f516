package battle

import "time"

func (l *Lifecycle) SetNow(now func() time.Time) { l.now = now }

func (c *ResultsCalculator) SetNow(now func() time.Time) { c.now = now }

func (r *RewardProcessor) SetNow(now func() time.Time) { r.now = now }
