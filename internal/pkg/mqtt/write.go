package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"

	"github.com/anicoll/homedash/internal/pkg/model"
)

var errPublishTimeout = errors.New("mqtt publish timed out")

func (s *service) Write(ctx context.Context, states []model.MirrorState) error {
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.PublishState(st); err != nil {
			return err
		}
	}
	return nil
}

// PublishState publishes st retained so late subscribers see the last value.
func (s *service) PublishState(st model.MirrorState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	topic := Topic(s.prefix, st.EntityID)
	token := s.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(time.Second * 10) {
		return fmt.Errorf("%w: %s", errPublishTimeout, topic)
	}
	return token.Error()
}

// Topic maps an entity id onto <prefix>/<domain>/<object>/state with the
// object id slugged.
func Topic(prefix, entityID string) string {
	domain := model.DomainOf(entityID)
	object := strings.ReplaceAll(slug.Make(model.ObjectIDOf(entityID)), "-", "_")
	if object == "" {
		object = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s/state", prefix, domain, object)
}
