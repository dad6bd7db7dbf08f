package postgres

import (
	"context"
	"errors"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/claimwatch/claimwatch-drift/internal/utils"
)

// uniqueViolation is the Postgres error code raised on a uniqueness
// constraint conflict.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// classify maps a storage error onto the run-level retry taxonomy.
func classify(op, msg string, err error) error {
	if err == nil {
		return nil
	}

	kind := utils.KindTransient
	switch {
	case isUniqueViolation(err):
		kind = utils.KindConflict
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		kind = utils.KindTransient
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		kind = utils.KindTransient
	default:
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code.Class() {
			case "08", "40", "53", "55", "57":
				// Connection, serialization, resource, lock, and operator
				// intervention failures all clear on retry.
				kind = utils.KindTransient
			case "22", "23", "42":
				// Data, constraint, and syntax errors will not.
				kind = utils.KindFatal
			}
		}
	}

	return utils.E(op, kind, msg, err)
}
