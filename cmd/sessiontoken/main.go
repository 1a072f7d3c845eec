// Command sessiontoken mints a session token signed with the configured
// session secret, standing in for the identity provider during development.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/schrodinger12345/campus-event-glow/internal/config"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/session"
)

func main() {
	configPath := flag.String("conf", "config.yml", "path to config file")
	userID := flag.String("user", "", "user id (random when empty)")
	name := flag.String("name", "", "display name")
	role := flag.String("role", string(model.Student), "student or organizer")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if !model.UserType(*role).Valid() {
		log.Fatalf("invalid role %q", *role)
	}
	if *userID == "" {
		*userID = uuid.NewString()
	}

	conf := config.MustLoad(*configPath)
	token, err := session.NewIssuer(conf.Session.Secret).Sign(session.Session{
		UserID:    *userID,
		Name:      *name,
		Role:      model.UserType(*role),
		ExpiresAt: time.Now().Add(*ttl),
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
