package domain

import "time"

// RoomState is the server's durable copy of a room replica.
type RoomState struct {
	Room      string    `json:"room"`
	State     []byte    `json:"state"`
	Updates   int64     `json:"updates"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoomSnapshot is one entry of a room's snapshot history.
type RoomSnapshot struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Seq       int64     `json:"seq"`
	State     []byte    `json:"state"`
	Fields    int       `json:"fields"`
	CreatedAt time.Time `json:"created_at"`
}
