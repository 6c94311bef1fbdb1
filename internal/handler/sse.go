package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type Event struct {
	ID      []byte
	Data    []byte
	Event   []byte
	Retry   []byte
	Comment []byte
}

func (ev *Event) MarshalTo(w io.Writer) error {
	if len(ev.Data) == 0 && len(ev.Comment) == 0 {
		return nil
	}

	if len(ev.Data) > 0 {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}

		sd := bytes.Split(ev.Data, []byte("\n"))
		for i := range sd {
			if _, err := fmt.Fprintf(w, "data: %s\n", sd[i]); err != nil {
				return err
			}
		}

		if len(ev.Event) > 0 {
			if _, err := fmt.Fprintf(w, "event: %s\n", ev.Event); err != nil {
				return err
			}
		}

		if len(ev.Retry) > 0 {
			if _, err := fmt.Fprintf(w, "retry: %s\n", ev.Retry); err != nil {
				return err
			}
		}
	}

	if len(ev.Comment) > 0 {
		if _, err := fmt.Fprintf(w, ": %s\n", ev.Comment); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprint(w, "\n"); err != nil {
		return err
	}

	return nil
}

// GetRunStream streams the output of an active run as server sent events.
// Each "output" event carries one line as JSON; the stream ends with an "end"
// event when the run finishes.
func (h *WorkflowHandler) GetRunStream(c echo.Context) error {
	var params RunParams
	if err := bindAndValidate(c, &params); err != nil {
		return err
	}
	uid, lines, ok := h.output.Subscribe(params.RunID)
	if !ok {
		return newError(nil, http.StatusNotFound, "run is not active")
	}
	defer h.output.Unsubscribe(params.RunID, uid)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	var id int64
	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				ev := Event{Event: []byte("end"), Data: []byte(params.RunID)}
				if err := ev.MarshalTo(w); err != nil {
					return err
				}
				w.Flush()
				return nil
			}
			id++
			data, err := json.Marshal(line)
			if err != nil {
				return err
			}
			ev := Event{
				ID:    []byte(strconv.FormatInt(id, 10)),
				Event: []byte("output"),
				Data:  data,
			}
			if err := ev.MarshalTo(w); err != nil {
				return err
			}
			w.Flush()
		}
	}
}
