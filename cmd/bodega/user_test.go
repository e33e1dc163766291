package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/zulandar/bodega/internal/models"
)

func captureCmd() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	return cmd, buf
}

func TestRunUserCreate(t *testing.T) {
	gormDB := testDB(t)
	cmd, buf := captureCmd()

	err := runUserCreate(cmd, gormDB, models.User{Username: "alice", Email: "alice@lab.example"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(buf.String(), "Token: ") {
		t.Errorf("output does not print the token: %q", buf.String())
	}

	var stored models.User
	if err := gormDB.Where("username = ?", "alice").First(&stored).Error; err != nil {
		t.Fatal(err)
	}
	if len(stored.Token) != 48 {
		t.Errorf("token length = %d, want 48", len(stored.Token))
	}
	if stored.Superuser {
		t.Error("user should not be superuser")
	}
}

func TestRunUserCreate_ExistingKeepsToken(t *testing.T) {
	gormDB := testDB(t)
	cmd, _ := captureCmd()
	if err := runUserCreate(cmd, gormDB, models.User{Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	var before models.User
	if err := gormDB.Where("username = ?", "alice").First(&before).Error; err != nil {
		t.Fatal(err)
	}

	cmd2, buf := captureCmd()
	err := runUserCreate(cmd2, gormDB, models.User{Username: "alice", Superuser: true})
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if !strings.Contains(buf.String(), "token unchanged") {
		t.Errorf("output = %q, want token unchanged notice", buf.String())
	}

	var after models.User
	if err := gormDB.Where("username = ?", "alice").First(&after).Error; err != nil {
		t.Fatal(err)
	}
	if after.Token != before.Token {
		t.Error("token changed on re-create")
	}
	if !after.Superuser {
		t.Error("superuser flag was not updated")
	}
}

func TestRunUserToken(t *testing.T) {
	gormDB := testDB(t)
	cmd, _ := captureCmd()
	if err := runUserCreate(cmd, gormDB, models.User{Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	var before models.User
	if err := gormDB.Where("username = ?", "alice").First(&before).Error; err != nil {
		t.Fatal(err)
	}

	cmd2, buf := captureCmd()
	if err := runUserToken(cmd2, gormDB, "alice"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	var after models.User
	if err := gormDB.Where("username = ?", "alice").First(&after).Error; err != nil {
		t.Fatal(err)
	}
	if after.Token == before.Token {
		t.Error("token did not change")
	}
	if !strings.Contains(buf.String(), after.Token) {
		t.Error("new token not printed")
	}

	cmd3, _ := captureCmd()
	if err := runUserToken(cmd3, gormDB, "nobody"); err == nil {
		t.Error("rotating an unknown user should fail")
	}
}

func TestRunUserList(t *testing.T) {
	gormDB := testDB(t)
	cmd, _ := captureCmd()
	if err := runUserCreate(cmd, gormDB, models.User{Username: "bob", Email: "bob@lab.example"}); err != nil {
		t.Fatal(err)
	}

	cmd2, buf := captureCmd()
	if err := runUserList(cmd2, gormDB); err != nil {
		t.Fatalf("list: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "bob") || !strings.Contains(out, "bob@lab.example") {
		t.Errorf("list output = %q", out)
	}
}
