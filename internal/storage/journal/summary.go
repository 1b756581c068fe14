package journal

import (
	"sort"

	"github.com/ChuLiYu/active-learning/pkg/types"
)

// StageSummary aggregates journal events for one stage
type StageSummary struct {
	Stage   types.StageName
	Done    int
	Failed  int
	Records int
	Runs    int // distinct writers that started the stage
	LastErr string
}

// Summary aggregates the journal per stage, in pipeline order, plus tool call counts
type Summary struct {
	Stages  []StageSummary
	Tools   map[string]int
	Writers int
	Skipped int
}

// Summarize replays path leniently and aggregates it.
func Summarize(path string) (*Summary, error) {
	byStage := map[types.StageName]*StageSummary{}
	starts := map[types.StageName]map[string]bool{}
	writers := map[string]bool{}
	sum := &Summary{Tools: map[string]int{}}

	get := func(s types.StageName) *StageSummary {
		if byStage[s] == nil {
			byStage[s] = &StageSummary{Stage: s}
		}
		return byStage[s]
	}

	skipped, err := Replay(path, ReplayOptions{Lenient: true}, func(e Event) error {
		writers[e.RunID] = true
		switch e.Type {
		case EventStageStart:
			if starts[e.Stage] == nil {
				starts[e.Stage] = map[string]bool{}
			}
			starts[e.Stage][e.RunID] = true
		case EventItemDone:
			s := get(e.Stage)
			s.Done++
			s.Records += e.Records
		case EventItemFailed, EventStageFail:
			s := get(e.Stage)
			if e.Type == EventItemFailed {
				s.Failed++
			}
			s.LastErr = e.Detail
		case EventStageDone:
			get(e.Stage)
		case EventTool:
			sum.Tools[e.Item]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for stage, runs := range starts {
		get(stage).Runs = len(runs)
	}
	order := map[types.StageName]int{}
	for i, s := range types.Stages {
		order[s] = i
	}
	for _, s := range byStage {
		sum.Stages = append(sum.Stages, *s)
	}
	sort.Slice(sum.Stages, func(i, j int) bool {
		return order[sum.Stages[i].Stage] < order[sum.Stages[j].Stage]
	})
	sum.Writers = len(writers)
	sum.Skipped = skipped
	return sum, nil
}
