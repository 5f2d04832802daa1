package quota

import (
	"time"

	"realm-steward/internal/ranking"
	"realm-steward/internal/storage"
)

// Record holds a member's counters for the current quota period. Every
// category is always present, zero when the member has not contributed to it.
type Record struct {
	MemberID      string
	General       storage.Counts
	Endgame       storage.Counts
	RealmClearing storage.Counts
	LastUpdated   time.Time
}

func (r Record) Total() int {
	return r.General.Total() + r.Endgame.Total() + r.RealmClearing.Total()
}

func (r Record) Counts(category Category) storage.Counts {
	switch category {
	case General:
		return r.General
	case Endgame:
		return r.Endgame
	case RealmClearing:
		return r.RealmClearing
	}
	return storage.Counts{}
}

func (r *Record) set(category Category, counts storage.Counts) {
	switch category {
	case General:
		r.General = counts
	case Endgame:
		r.Endgame = counts
	case RealmClearing:
		r.RealmClearing = counts
	}
}

// Board is a ranked snapshot of a guild's quota period.
type Board struct {
	GuildID     string
	Entries     []ranking.Entry[Record]
	LastReset   time.Time
	GeneratedAt time.Time
}

func recordsFromRows(rows []storage.QuotaRow) []Record {
	index := make(map[string]int)
	var records []Record
	for _, row := range rows {
		i, ok := index[row.MemberID]
		if !ok {
			i = len(records)
			index[row.MemberID] = i
			records = append(records, Record{MemberID: row.MemberID})
		}
		records[i].set(Category(row.Category), row.Counts)
		if row.LastUpdated.After(records[i].LastUpdated) {
			records[i].LastUpdated = row.LastUpdated
		}
	}
	return records
}

func rankRecords(records []Record) []ranking.Entry[Record] {
	return ranking.SortAndRank(records, Record.Total, func(r Record) string { return r.MemberID })
}
