// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"visaworker/src/logging"
	"visaworker/src/model"
	"visaworker/src/scheduler"
	"visaworker/src/storage"
)

type enrollFile struct {
	Organisations []EnrollOrganisation `yaml:"organisations"`
}

// EnrollOrganisation is one organisation block of an enrollment file.
type EnrollOrganisation struct {
	model.Organisation `yaml:",inline"`
	Applicants         []model.Applicant `yaml:"applicants"`
}

type enrolled struct {
	TaskID         string
	PassportNumber string
	JobID          string
}

// ParseEnrollment decodes an enrollment file and validates every applicant
// before anything is written.
func ParseEnrollment(data []byte) ([]EnrollOrganisation, error) {
	var f enrollFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: could not parse enrollment file: %v", model.ErrInvalidInput, err)
	}
	if len(f.Organisations) == 0 {
		return nil, fmt.Errorf("%w: enrollment file has no organisations", model.ErrInvalidInput)
	}

	seen := map[string]bool{}
	for i, org := range f.Organisations {
		if org.Name == "" {
			return nil, fmt.Errorf("%w: organisation %d has no name", model.ErrInvalidInput, i+1)
		}
		for j := range org.Applicants {
			a := &org.Applicants[j]
			if err := a.Validate(); err != nil {
				return nil, fmt.Errorf("organisation %s applicant %d: %w", org.Name, j+1, err)
			}
			if seen[a.PassportNumber] {
				return nil, fmt.Errorf("%w: passport %s listed twice", model.ErrInvalidInput, a.PassportNumber)
			}
			seen[a.PassportNumber] = true
		}
	}
	return f.Organisations, nil
}

// Enroll stores the organisations and their applicants and, when sub is set,
// queues a registration run for each new task. It returns what was created
// before the first error.
func Enroll(ctx context.Context, store storage.Store, sub scheduler.Submitter, orgs []EnrollOrganisation) ([]enrolled, error) {
	var out []enrolled
	for _, org := range orgs {
		o := org.Organisation
		if err := store.UpsertOrganisation(ctx, &o); err != nil {
			return out, fmt.Errorf("could not store organisation %s: %w", org.Name, err)
		}
		for _, a := range org.Applicants {
			a.OrganisationID = o.ID
			task, err := store.CreateApplicant(ctx, &a)
			if err != nil {
				return out, fmt.Errorf("could not enroll applicant %s: %w", a.PassportNumber, err)
			}
			e := enrolled{TaskID: task.ID, PassportNumber: a.PassportNumber}
			if sub != nil {
				job, err := sub.Submit(ctx, task.ID, "enroll", model.FlowRegister)
				if err != nil {
					out = append(out, e)
					return out, fmt.Errorf("could not queue registration for task %s: %w", task.ID, err)
				}
				e.JobID = job.ID
			}
			out = append(out, e)
			logging.Log(fmt.Sprintf("Enrolled applicant %s as task %s", a.PassportNumber, task.ID), slog.LevelInfo)
		}
	}
	return out, nil
}
