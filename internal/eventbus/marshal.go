package eventbus

import (
	"encoding/json"

	"github.com/ry-ops/taskguard/internal/model"
)

func marshalEvent(ev model.Event) ([]byte, error) {
	return json.Marshal(ev)
}
