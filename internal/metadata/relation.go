package metadata

// Relation links two entities. SourceKey is the column on the source entity
// (usually its primary key) and TargetKey is the foreign key column on the
// target entity that points back at the source.
type Relation struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Type      string `json:"type"` // one_to_one, one_to_many, many_to_one
	SourceKey string `json:"source_key"`
	TargetKey string `json:"target_key"`
	OnDelete  string `json:"on_delete,omitempty"` // cascade, set_null, restrict
}

func (r *Relation) IsOneToOne() bool {
	return r.Type == "one_to_one"
}

func (r *Relation) IsOneToMany() bool {
	return r.Type == "one_to_many"
}

func (r *Relation) IsManyToOne() bool {
	return r.Type == "many_to_one"
}
