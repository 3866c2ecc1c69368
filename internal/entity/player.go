package entity

type Player struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

type PlayerStatus string

const (
	StatusActive PlayerStatus = "Active"
	StatusLeft   PlayerStatus = "Left"
)

// PlayerSlot is a participant as recorded in a session.
type PlayerSlot struct {
	Player
	Symbol Symbol       `json:"symbol"`
	Status PlayerStatus `json:"status"`
}

// WaitingEntry is a player's presence in the matchmaking queue.
type WaitingEntry struct {
	PlayerID  string `json:"playerId"`
	Nickname  string `json:"nickname"`
	CreatedAt int64  `json:"createdAt"`
	Seq       int64  `json:"seq"`
}

func (that WaitingEntry) Player() Player {
	return Player{ID: that.PlayerID, Nickname: that.Nickname}
}

// Before orders entries oldest first: by CreatedAt, then Seq, then PlayerID.
func (that WaitingEntry) Before(other WaitingEntry) bool {
	if that.CreatedAt != other.CreatedAt {
		return that.CreatedAt < other.CreatedAt
	}

	if that.Seq != other.Seq {
		return that.Seq < other.Seq
	}

	return that.PlayerID < other.PlayerID
}
