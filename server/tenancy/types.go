package tenancy

import "time"

// School is a tenant. All engine state is partitioned by School.ID.
type School struct {
	ID        string    `json:"id" toml:"id"`
	Name      string    `json:"name" toml:"name"`
	Grades    []Grade   `json:"grades,omitempty" toml:"grades"`
	CreatedAt time.Time `json:"created_at" toml:"-"`
}

// Grade groups sections within a school.
type Grade struct {
	ID       string    `json:"id" toml:"id"`
	Name     string    `json:"name,omitempty" toml:"name"`
	Sections []Section `json:"sections,omitempty" toml:"sections"`
}

// Section is a class of students.
type Section struct {
	ID       string    `json:"id" toml:"id"`
	Name     string    `json:"name,omitempty" toml:"name"`
	Students []Student `json:"students,omitempty" toml:"students"`
}

// Student is a roster member with the tablet assigned to them.
type Student struct {
	ID       string `json:"id" toml:"id"`
	Name     string `json:"name,omitempty" toml:"name"`
	DeviceID string `json:"device_id,omitempty" toml:"device_id"`
}

// DeviceAssignment is a flattened roster entry for one device.
type DeviceAssignment struct {
	DeviceID  string `json:"device_id"`
	StudentID string `json:"student_id"`
	GradeID   string `json:"grade_id"`
	SectionID string `json:"section_id"`
}
