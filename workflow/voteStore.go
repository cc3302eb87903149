package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
)

// VoteStore is the append-only record of verification casts. It enforces one
// vote per (incident, voter) and never triggers aggregation itself.
type VoteStore struct {
	Store models.Store
	Now   func() time.Time
}

// CastVote stores the vote in its own transaction. A repeat cast returns the
// stored vote with isNew=false.
func (s *VoteStore) CastVote(ctx context.Context, in models.NewVerificationInput) (*models.Verification, bool, error) {
	in.Normalize()
	if err := utils.ValidateInput(in); err != nil {
		return nil, false, err
	}
	var (
		vote  *models.Verification
		isNew bool
	)
	err := s.Store.RunInTx(ctx, func(tx models.StoreTx) error {
		inc, err := tx.GetIncidentForUpdate(in.IncidentID)
		if err != nil {
			if utils.IsNotFound(err) {
				return &utils.NotFoundError{Resource: "incident", ID: in.IncidentID}
			}
			return err
		}
		vote, isNew, err = s.castInTx(tx, inc, in, s.now())
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return vote, isNew, nil
}

func (s *VoteStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *VoteStore) castInTx(tx models.StoreTx, inc *models.Incident, in models.NewVerificationInput, at time.Time) (*models.Verification, bool, error) {
	if in.VoterID == inc.ReporterID {
		return nil, false, &utils.SelfVerificationError{IncidentID: inc.ID, UserID: in.VoterID}
	}
	existing, err := tx.FindVerification(inc.ID, in.VoterID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	vote := &models.Verification{
		IncidentID: inc.ID,
		VoterID:    in.VoterID,
		Verdict:    in.Verdict,
		Comment:    in.Comment,
		ClientHash: in.ClientHash,
		CastAt:     at,
	}
	if err := tx.CreateVerification(vote); err != nil {
		if errors.Is(err, utils.ErrDuplicateVerification) {
			existing, ferr := tx.FindVerification(inc.ID, in.VoterID)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return vote, true, nil
}
