// Package tenancy is the roster directory: schools, their grades and
// sections, and the devices assigned to students.
package tenancy

import (
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a process-local roster directory.
type InMemoryStore struct {
	mu      sync.RWMutex
	schools map[string]School
	devices map[string]map[string]DeviceAssignment
}

// NewInMemoryStore creates an empty directory.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		schools: make(map[string]School),
		devices: make(map[string]map[string]DeviceAssignment),
	}
}

// PutSchool registers or replaces a school and rebuilds its device index.
func (s *InMemoryStore) PutSchool(school School) error {
	if school.ID == "" {
		return ErrInvalidSchool
	}
	if school.CreatedAt.IsZero() {
		school.CreatedAt = time.Now().UTC()
	}

	index := make(map[string]DeviceAssignment)
	for _, g := range school.Grades {
		for _, sec := range g.Sections {
			for _, st := range sec.Students {
				if st.DeviceID == "" {
					continue
				}
				if _, dup := index[st.DeviceID]; dup {
					return ErrDuplicateDevice
				}
				index[st.DeviceID] = DeviceAssignment{
					DeviceID:  st.DeviceID,
					StudentID: st.ID,
					GradeID:   g.ID,
					SectionID: sec.ID,
				}
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.schools[school.ID]; ok {
		school.CreatedAt = existing.CreatedAt
	}
	s.schools[school.ID] = school
	s.devices[school.ID] = index
	return nil
}

// GetSchool returns a school or ErrTenantNotFound.
func (s *InMemoryStore) GetSchool(id string) (School, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	school, ok := s.schools[id]
	if !ok {
		return School{}, ErrTenantNotFound
	}
	return school, nil
}

// Exists reports whether the tenant is known.
func (s *InMemoryStore) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.schools[id]
	return ok
}

// ListSchools returns all schools ordered by id.
func (s *InMemoryStore) ListSchools() []School {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]School, 0, len(s.schools))
	for _, sc := range s.schools {
		res = append(res, sc)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Devices returns every device registered to the tenant, ordered by device id.
func (s *InMemoryStore) Devices(tenantID string) ([]DeviceAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index, ok := s.devices[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	res := make([]DeviceAssignment, 0, len(index))
	for _, d := range index {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DeviceID < res[j].DeviceID })
	return res, nil
}

// LookupDevice returns the roster entry for a device.
func (s *InMemoryStore) LookupDevice(tenantID, deviceID string) (DeviceAssignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[tenantID][deviceID]
	return d, ok
}

// Sentinel errors.
var (
	ErrTenantNotFound  = &StoreError{"tenant not found"}
	ErrInvalidSchool   = &StoreError{"school id is required"}
	ErrDuplicateDevice = &StoreError{"device assigned to more than one student"}
)

// StoreError is a simple sentinel error type
type StoreError struct{ msg string }

func (s *StoreError) Error() string { return s.msg }
