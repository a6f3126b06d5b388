// SPDX-License-Identifier: MIT

package tv

import (
	"fmt"
	"time"
)

// SeriesSlot records the intent behind a series container on the vendor
// side. Intentions survive reconnects: the supervisor replays them after
// re-authentication so the next request finds a warm connection.
type SeriesSlot struct {
	Symbol       string
	Resolution   string
	BarCount     int
	SymbolID     string // vendor-side symbol handle backing this series
	LastActivity time.Time
}

// StudySlot references a study attached to a parent series slot.
type StudySlot struct {
	StudyName    string
	ParentSeries string
}

// slotTable owns the per-connection slot bookkeeping. Not safe for
// concurrent use; the owning connection serializes access.
type slotTable struct {
	series  map[string]*SeriesSlot
	studies map[string]*StudySlot

	nextSeries int
	nextSymbol int
	nextStudy  int
}

func newSlotTable() *slotTable {
	return &slotTable{
		series:  make(map[string]*SeriesSlot),
		studies: make(map[string]*StudySlot),
	}
}

func (t *slotTable) allocSeriesID() string {
	t.nextSeries++
	return fmt.Sprintf("sds_%d", t.nextSeries)
}

func (t *slotTable) allocSymbolID() string {
	t.nextSymbol++
	return fmt.Sprintf("sds_sym_%d", t.nextSymbol)
}

func (t *slotTable) allocStudyID() string {
	t.nextStudy++
	return fmt.Sprintf("st_%d", t.nextStudy)
}

// reusableSeries returns the series slot to reuse via modify_series, if any.
// The table keeps one primary series per connection, so any existing slot is
// a reuse candidate; symbol switches never tear the slot down.
func (t *slotTable) reusableSeries() (string, *SeriesSlot) {
	for id, s := range t.series {
		return id, s
	}
	return "", nil
}

// studyFor returns the existing study slot attached to the series, if any.
func (t *slotTable) studyFor(seriesID string) (string, *StudySlot) {
	for id, s := range t.studies {
		if s.ParentSeries == seriesID {
			return id, s
		}
	}
	return "", nil
}

func (t *slotTable) putSeries(id string, slot *SeriesSlot) {
	t.series[id] = slot
}

func (t *slotTable) putStudy(id string, slot *StudySlot) {
	t.studies[id] = slot
}

func (t *slotTable) touch(id string, now time.Time) {
	if s, ok := t.series[id]; ok {
		s.LastActivity = now
	}
}
