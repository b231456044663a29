// Package wire defines the message contracts shared by the catalog and
// mirror services: route names, the closed set of query actions, and the
// payload shapes that cross the broker.
package wire

import (
	"encoding/json"
	"fmt"
)

// Queue routes. Push propagation routes are durable; request/reply routes
// pair a plain named request queue with an exclusive anonymous reply queue.
const (
	RouteNewBooks    = "new_books"
	RouteDeleteBooks = "delete_books_frontend"
	RouteUserData    = "user_data_request"
	RouteBookData    = "book_data_request"
)

// Action discriminates query requests on the user_data_request and
// book_data_request routes.
type Action string

const (
	ActionGetUsers                  Action = "get_users"
	ActionGetUsersWithBorrowedBooks Action = "get_users_with_borrowed_books"
	ActionGetUnavailableBooks       Action = "get_unavailable_books"
)

// Valid reports whether a is one of the supported actions.
func (a Action) Valid() bool {
	switch a {
	case ActionGetUsers, ActionGetUsersWithBorrowedBooks, ActionGetUnavailableBooks:
		return true
	}
	return false
}

// UnknownActionError is returned for actions outside the supported set. The
// dispatcher converts it into an error reply rather than dropping the
// message.
type UnknownActionError struct {
	Action Action
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action: %s", e.Action)
}

// DecodeError is returned when an inbound body is not the JSON the route
// expects.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid JSON in message body: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Pagination defaults applied when a query omits skip/limit.
const (
	DefaultSkip  = 0
	DefaultLimit = 100
)

// Query is the action-tagged request published to the data-request routes.
type Query struct {
	Action Action `json:"action"`
	Skip   int    `json:"skip,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Normalize applies pagination defaults in place.
func (q *Query) Normalize() {
	if q.Skip < 0 {
		q.Skip = DefaultSkip
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
}

// DecodeQuery parses a query body, validates the action and applies
// pagination defaults.
func DecodeQuery(body []byte) (Query, error) {
	var q Query
	if err := json.Unmarshal(body, &q); err != nil {
		return Query{}, &DecodeError{Err: err}
	}
	if !q.Action.Valid() {
		return Query{}, &UnknownActionError{Action: q.Action}
	}
	q.Normalize()
	return q, nil
}

// BookSync is the projection of a catalog book pushed to the mirror on
// creation. The catalog's total copy count never crosses the broker; the
// mirror derives availability on its own.
type BookSync struct {
	Title       string `json:"title" validate:"required"`
	Publisher   string `json:"publisher" validate:"required"`
	Category    string `json:"category" validate:"required"`
	Description string `json:"description,omitempty"`
	ISBN        string `json:"isbn" validate:"required"`
}

// Reply status values.
const (
	StatusSuccess  = "success"
	StatusNotFound = "not_found"
)

// Status is the acknowledgment shape handlers emit when the request carried
// a reply-to address.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorReply is the error payload shape dispatched back to requesters.
type ErrorReply struct {
	Error string `json:"error"`
}

// ReplyError extracts the error message from a reply body if it is an error
// payload. JSON arrays are never error payloads.
func ReplyError(body []byte) (string, bool) {
	if len(body) == 0 || body[0] != '{' {
		return "", false
	}
	var er ErrorReply
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return "", false
	}
	return er.Error, true
}
