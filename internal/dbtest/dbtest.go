// Package dbtest hands out isolated, migrated in-memory databases for tests.
package dbtest

import (
	"testing"

	"mentorchat/internal/db"
	"mentorchat/internal/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// New returns a fresh in-memory database that is closed when t ends.
func New(t testing.TB) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("sqlite::memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

// User inserts an active user with the given email.
func User(t testing.TB, gdb *gorm.DB, email string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := &models.User{Email: email, FirstName: email, PasswordHash: string(hash), IsActive: true}
	if err := gdb.Create(u).Error; err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

// Room inserts a room and makes every given user a durable member.
func Room(t testing.TB, gdb *gorm.DB, name string, public bool, members ...*models.User) *models.ChatRoom {
	t.Helper()
	room := &models.ChatRoom{Name: name, Kind: models.RoomGroup, IsPublic: public}
	if err := gdb.Create(room).Error; err != nil {
		t.Fatalf("create room %s: %v", name, err)
	}
	for _, u := range members {
		m := &models.ChatRoomMember{ChatRoomID: room.ID, UserID: u.ID, JoinedAt: gdb.NowFunc()}
		if err := gdb.Create(m).Error; err != nil {
			t.Fatalf("add member %d: %v", u.ID, err)
		}
	}
	return room
}
