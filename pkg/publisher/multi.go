package publisher

import (
	"context"
	"errors"

	"github.com/automatedhome/tank/pkg/tank"
	types "github.com/automatedhome/tank/pkg/types"
)

// Multi publishes to every publisher in order and joins their errors.
type Multi []tank.Publisher

func (m Multi) Publish(ctx context.Context, status types.Status) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
