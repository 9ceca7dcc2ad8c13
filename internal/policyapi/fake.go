package policyapi

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory policy server for tests and local development.
type Fake struct {
	mu sync.Mutex

	// instances maps fileCatalogID -> computerID -> instance.
	instances map[string]map[string]FileInstance
	fileRules map[string]FileRule
	certs     map[string]Certificate // keyed by thumbprint

	// Err, when set, is returned by every call. Tests use it to simulate
	// an unreachable policy server.
	Err error

	Calls []string
}

func NewFake() *Fake {
	return &Fake{
		instances: make(map[string]map[string]FileInstance),
		fileRules: make(map[string]FileRule),
		certs:     make(map[string]Certificate),
	}
}

// AddInstance seeds a file instance.
func (f *Fake) AddInstance(inst FileInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byComputer := f.instances[inst.FileCatalogID]
	if byComputer == nil {
		byComputer = make(map[string]FileInstance)
		f.instances[inst.FileCatalogID] = byComputer
	}
	byComputer[inst.ComputerID] = inst
}

// AddCertificate seeds a certificate.
func (f *Fake) AddCertificate(cert Certificate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.certs[cert.Thumbprint] = cert
}

func (f *Fake) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *Fake) FileInstances(ctx context.Context, fileCatalogID, computerID string) ([]FileInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FileInstances(%s,%s)", fileCatalogID, computerID)
	if f.Err != nil {
		return nil, f.Err
	}
	var out []FileInstance
	if inst, ok := f.instances[fileCatalogID][computerID]; ok {
		out = append(out, inst)
	}
	return out, nil
}

func (f *Fake) UpdateLocalState(ctx context.Context, instance FileInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateLocalState(%s,%s,%d)", instance.FileCatalogID, instance.ComputerID, instance.LocalState)
	if f.Err != nil {
		return f.Err
	}
	byComputer := f.instances[instance.FileCatalogID]
	if byComputer == nil {
		byComputer = make(map[string]FileInstance)
		f.instances[instance.FileCatalogID] = byComputer
	}
	byComputer[instance.ComputerID] = instance
	return nil
}

func (f *Fake) PostFileRule(ctx context.Context, rule FileRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PostFileRule(%s,%d)", rule.FileCatalogID, rule.FileState)
	if f.Err != nil {
		return f.Err
	}
	f.fileRules[rule.FileCatalogID] = rule
	return nil
}

func (f *Fake) FileRules(ctx context.Context, fileCatalogID string) ([]FileRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FileRules(%s)", fileCatalogID)
	if f.Err != nil {
		return nil, f.Err
	}
	var out []FileRule
	if rule, ok := f.fileRules[fileCatalogID]; ok {
		out = append(out, rule)
	}
	return out, nil
}

func (f *Fake) CertificateByThumbprint(ctx context.Context, thumbprint string) (*Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CertificateByThumbprint(%s)", thumbprint)
	if f.Err != nil {
		return nil, f.Err
	}
	cert, ok := f.certs[thumbprint]
	if !ok {
		return nil, fmt.Errorf("%w: certificate %s", ErrNotFound, thumbprint)
	}
	return &cert, nil
}

func (f *Fake) SetCertificateState(ctx context.Context, certID string, state ApprovalState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetCertificateState(%s,%d)", certID, state)
	if f.Err != nil {
		return f.Err
	}
	for thumb, cert := range f.certs {
		if cert.ID == certID {
			cert.CertificateState = state
			f.certs[thumb] = cert
			return nil
		}
	}
	return fmt.Errorf("%w: certificate id %s", ErrNotFound, certID)
}

// Instance returns the stored instance, if any.
func (f *Fake) Instance(fileCatalogID, computerID string) (FileInstance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[fileCatalogID][computerID]
	return inst, ok
}

// FileRule returns the stored global rule, if any.
func (f *Fake) FileRule(fileCatalogID string) (FileRule, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.fileRules[fileCatalogID]
	return rule, ok
}

// Certificate returns the stored certificate, if any.
func (f *Fake) Certificate(thumbprint string) (Certificate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cert, ok := f.certs[thumbprint]
	return cert, ok
}

var _ Client = (*Fake)(nil)
