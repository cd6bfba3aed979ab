package ledger

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Fixtures YAML 格式的帳本事實
//
//	records:
//	  - {id: 42, owner: "0xA1", hospital_id: 7, content_hash: QmX}
//	users:
//	  - {identity: "0xB2", role: doctor, hospital_id: 7}
//	consents:
//	  - {record_id: 42, identity: "0xC3"}
//	emergency:
//	  - {identity: "0xD4", record_id: 42, ttl: 1h}
type Fixtures struct {
	Records   []RecordFixture    `yaml:"records"`
	Users     []UserFixture      `yaml:"users"`
	Consents  []ConsentFixture   `yaml:"consents"`
	Emergency []EmergencyFixture `yaml:"emergency"`
}

type RecordFixture struct {
	ID          uint64 `yaml:"id"`
	Owner       string `yaml:"owner"`
	HospitalID  uint64 `yaml:"hospital_id"`
	ContentHash string `yaml:"content_hash"`
}

type UserFixture struct {
	Identity   string `yaml:"identity"`
	Role       string `yaml:"role"`
	HospitalID uint64 `yaml:"hospital_id"`
}

type ConsentFixture struct {
	RecordID uint64 `yaml:"record_id"`
	Identity string `yaml:"identity"`
}

// EmergencyFixture expires_at 與 ttl 擇一，ttl 相對於載入時間
type EmergencyFixture struct {
	Identity  string    `yaml:"identity"`
	RecordID  uint64    `yaml:"record_id"`
	ExpiresAt time.Time `yaml:"expires_at"`
	TTL       string    `yaml:"ttl"`
}

// ParseFixtures 解析 YAML
func ParseFixtures(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse ledger fixtures: %w", err)
	}
	return &f, nil
}

// LoadFixtures 從檔案建立記憶體帳本
func LoadFixtures(path string) (*MemoryLedger, error) {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger fixtures: %w", err)
	}
	f, err := ParseFixtures(data)
	if err != nil {
		return nil, err
	}

	m := NewMemoryLedger()
	if err := m.Apply(f, time.Now()); err != nil {
		return nil, err
	}
	return m, nil
}

// Apply 把事實寫入帳本
func (m *MemoryLedger) Apply(f *Fixtures, now time.Time) error {
	for _, r := range f.Records {
		if err := m.PutRecord(Record(r)); err != nil {
			return err
		}
	}

	for _, u := range f.Users {
		role, err := ParseRole(u.Role)
		if err != nil {
			return fmt.Errorf("user %s: %w", u.Identity, err)
		}
		m.PutUser(User{Identity: u.Identity, Role: role, HospitalID: u.HospitalID})
	}

	for _, c := range f.Consents {
		m.GrantConsent(c.RecordID, c.Identity)
	}

	for _, e := range f.Emergency {
		expiresAt := e.ExpiresAt
		if e.TTL != "" {
			ttl, err := time.ParseDuration(e.TTL)
			if err != nil {
				return fmt.Errorf("%w: emergency ttl %q", ErrInvalidArgument, e.TTL)
			}
			expiresAt = now.Add(ttl)
		}
		m.GrantEmergency(e.Identity, e.RecordID, expiresAt)
	}
	return nil
}
