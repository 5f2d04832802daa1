package quota

import "strings"

type Category string

const (
	General       Category = "general"
	Endgame       Category = "endgame"
	RealmClearing Category = "realmClearing"
)

// Categories lists every run category in display order.
var Categories = []Category{General, Endgame, RealmClearing}

func (c Category) Label() string {
	switch c {
	case General:
		return "General"
	case Endgame:
		return "Endgame"
	case RealmClearing:
		return "Realm Clearing"
	default:
		return string(c)
	}
}

func (c Category) Valid() bool {
	switch c {
	case General, Endgame, RealmClearing:
		return true
	}
	return false
}

func ParseCategory(value string) (Category, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "general", "g":
		return General, true
	case "endgame", "eg", "e":
		return Endgame, true
	case "realmclearing", "realm", "rc":
		return RealmClearing, true
	}
	return "", false
}
