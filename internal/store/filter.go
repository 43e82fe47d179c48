package store

import "github.com/Masterminds/squirrel"

// StatusIs matches tasks whose current status has the given description.
func StatusIs(description string) squirrel.Sqlizer {
	return squirrel.Expr("status_id = (SELECT id FROM statuses WHERE description = ?)", description)
}

// StatusNot matches tasks whose current status does not have the given
// description.
func StatusNot(description string) squirrel.Sqlizer {
	return squirrel.Expr("status_id <> (SELECT id FROM statuses WHERE description = ?)", description)
}

// NameIs matches tasks of the given task type.
func NameIs(name string) squirrel.Sqlizer {
	return squirrel.Eq{"name": name}
}
