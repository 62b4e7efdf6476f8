/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"

	"github.com/gravitational/studio-plugins/lib"
	"github.com/gravitational/studio-plugins/studio/auth"
	"github.com/gravitational/studio-plugins/studio/auth/oauth"
)

const minPasswordLength = 6

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// VersionCmd prints the version
type VersionCmd struct{}

func (c *VersionCmd) Run(app *App) error {
	lib.PrintVersion(app.out, appName, Version, Sha)
	return nil
}

// LoginCmd signs in with email and password
type LoginCmd struct {
	Email    string `help:"Account email" required:"true" env:"STUDIO_EMAIL"`
	Password string `help:"Account password, prompted when empty" env:"STUDIO_PASSWORD"`
}

func (c *LoginCmd) Validate() error {
	return checkEmail(c.Email)
}

func (c *LoginCmd) Run(app *App) error {
	session, err := app.Session()
	if err != nil {
		return trace.Wrap(err)
	}
	password := c.Password
	if password == "" {
		if password, err = promptPassword("Password", nil); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := session.Login(app.Context(), c.Email, password); err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintf(app.out, "Signed in as %v\n", session.Credentials().Email)
	return nil
}

// RegisterCmd creates an account
type RegisterCmd struct {
	Email    string `help:"Account email" required:"true" env:"STUDIO_EMAIL"`
	FullName string `help:"Full name"`
	Phone    string `help:"Phone number"`
	Password string `help:"Account password, prompted when empty" env:"STUDIO_PASSWORD"`
}

func (c *RegisterCmd) Validate() error {
	return checkEmail(c.Email)
}

func (c *RegisterCmd) Run(app *App) error {
	session, err := app.Session()
	if err != nil {
		return trace.Wrap(err)
	}
	password := c.Password
	if password == "" {
		if password, err = promptPassword("Password", checkPassword); err != nil {
			return trace.Wrap(err)
		}
		confirm := func(s string) error {
			if s != password {
				return trace.BadParameter("passwords do not match")
			}
			return nil
		}
		if _, err := promptPassword("Confirm password", confirm); err != nil {
			return trace.Wrap(err)
		}
	} else if err := checkPassword(password); err != nil {
		return trace.Wrap(err)
	}

	err = session.Register(app.Context(), oauth.RegisterParams{
		Email:    c.Email,
		Password: password,
		FullName: c.FullName,
		Phone:    c.Phone,
	})
	if errors.Is(err, oauth.ErrConfirmationPending) {
		fmt.Fprintf(app.out, "Account created, follow the link sent to %v to confirm it, then sign in\n", c.Email)
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintf(app.out, "Account created, signed in as %v\n", c.Email)
	return nil
}

// LogoutCmd signs out
type LogoutCmd struct{}

func (c *LogoutCmd) Run(app *App) error {
	session, err := app.Session()
	if err != nil {
		return trace.Wrap(err)
	}
	if session.Status() == auth.StatusAnonymous {
		fmt.Fprintln(app.out, "Not signed in")
		return nil
	}
	if err := session.Logout(app.Context()); err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintln(app.out, "Signed out")
	return nil
}

// StatusCmd prints the session status
type StatusCmd struct{}

func (c *StatusCmd) Run(app *App) error {
	table := tablewriter.NewWriter(app.out)
	table.SetHeader([]string{"Setting", "Value"})
	table.SetAutoWrapText(false)

	table.Append([]string{"Generation API", app.conf.APIConfig().URL})
	if !app.conf.SessionsEnabled() {
		table.Append([]string{"Session", "disabled"})
		table.Render()
		return nil
	}

	session, err := app.Session()
	if err != nil {
		return trace.Wrap(err)
	}
	table.Append([]string{"Session", session.Status().String()})
	if creds := session.Credentials(); creds != nil {
		remaining, _ := auth.Remaining(creds.AccessToken, app.clock.Now())
		table.Append([]string{"Email", creds.Email})
		table.Append([]string{"User ID", creds.Subject})
		table.Append([]string{"Expires", creds.ExpiresAt.Local().Format(time.RFC3339)})
		table.Append([]string{"Expires in", remaining.Round(time.Second).String()})
	}
	table.Render()
	return nil
}

// ProfileCmd prints the profile of the signed-in user
type ProfileCmd struct{}

func (c *ProfileCmd) Run(app *App) error {
	session, err := app.RequireSession()
	if err != nil {
		return trace.Wrap(err)
	}
	if session == nil {
		return trace.BadParameter("sessions are disabled, set auth-url to enable them")
	}
	gotrue, err := app.GoTrue()
	if err != nil {
		return trace.Wrap(err)
	}
	req, err := gotrue.NewUserRequest(app.Context())
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := session.Do(req)
	if err != nil {
		return trace.Wrap(err)
	}
	user, err := oauth.ParseUser(resp)
	if err != nil {
		return trace.Wrap(err)
	}
	out, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintln(app.out, string(out))
	return nil
}

func checkEmail(email string) error {
	if !lib.IsEmail(email) {
		return trace.BadParameter("%q is not a valid email address", email)
	}
	return nil
}

func checkPassword(password string) error {
	if len(password) < minPasswordLength {
		return trace.BadParameter("password must be at least %d characters", minPasswordLength)
	}
	return nil
}

func promptPassword(label string, validate promptui.ValidateFunc) (string, error) {
	prompt := promptui.Prompt{
		Label:    label,
		Mask:     '*',
		Validate: validate,
	}
	password, err := prompt.Run()
	return password, trace.Wrap(err)
}
