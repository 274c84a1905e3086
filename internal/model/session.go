package model

import "time"

type (
	// Session is the archived form of one relay session.
	Session struct {
		ID        string    `bson:"_id"`
		Game      string    `bson:"game"`
		Owner     string    `bson:"owner"`
		Accounts  []string  `bson:"accounts"`
		Messages  [][]byte  `bson:"messages"`
		Winner    uint8     `bson:"winner"`
		Finished  bool      `bson:"finished"`
		// Failed marks a session whose log could not be archived in full.
		Failed    bool      `bson:"failed"`
		CreatedAt time.Time `bson:"created_at"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)
