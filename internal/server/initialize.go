package server

import (
	"context"
	"errors"
	"time"
)

// Settings selects what Initialize configures. Zero values skip a step.
type Settings struct {
	Update         bool
	Packages       []string
	Hostname       string
	Timezone       string
	DisableDNS     bool
	DisableSELinux bool
	Keys           []NamedKey
}

// Report counts the outcome of the steps Initialize ran.
type Report struct {
	OK       int
	Changed  int
	Failed   int
	Skipped  int
	Duration time.Duration
}

// GetOK returns the number of steps that found nothing to change.
func (r *Report) GetOK() int { return r.OK }

// GetChanged returns the number of steps that modified the host.
func (r *Report) GetChanged() int { return r.Changed }

// GetFailed returns the number of failed steps.
func (r *Report) GetFailed() int { return r.Failed }

// GetSkipped returns the number of steps the host does not support.
func (r *Report) GetSkipped() int { return r.Skipped }

// GetDuration returns how long Initialize ran.
func (r *Report) GetDuration() time.Duration { return r.Duration }

// record tallies one step. A nil error with changed=false counts as ok.
func (r *Report) record(changed bool, err error) error {
	switch {
	case err != nil:
		r.Failed++
	case changed:
		r.Changed++
	default:
		r.OK++
	}
	return err
}

// Initialize applies settings to the host in a fixed order and stops at the
// first failing step. The report is returned in every case.
func (s *Server) Initialize(ctx context.Context, settings Settings) (*Report, error) {
	start := time.Now()
	report := &Report{}
	defer func() { report.Duration = time.Since(start) }()

	s.out.Section("Initial setup of " + s.Host())

	if settings.Update {
		if err := report.record(true, s.Update(ctx)); err != nil {
			return report, err
		}
	}

	for _, pkg := range settings.Packages {
		installed, err := s.InstallPackage(ctx, pkg)
		if err := report.record(installed, err); err != nil {
			return report, err
		}
	}

	if settings.Hostname != "" {
		changed, err := s.SetHostname(ctx, settings.Hostname)
		if err := report.record(changed, err); err != nil {
			return report, err
		}
	}

	if settings.Timezone != "" {
		if err := report.record(true, s.SetTimezone(ctx, settings.Timezone)); err != nil {
			return report, err
		}
	}

	if settings.DisableDNS {
		if err := report.record(true, s.DisableSSHDNS(ctx)); err != nil {
			return report, err
		}
	}

	if settings.DisableSELinux {
		err := s.DisableSELinux(ctx)
		switch {
		case errors.Is(err, ErrNotSupported):
			s.out.Step("Disabling SELinux", "skipped")
			report.Skipped++
		case report.record(true, err) != nil:
			return report, err
		}
	}

	if len(settings.Keys) > 0 {
		added, err := s.AddAuthorizedKeys(ctx, settings.Keys)
		if err := report.record(len(added) > 0, err); err != nil {
			return report, err
		}
	}

	return report, nil
}
