package auth

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
)

var errMissingIDToken = errors.New("token response missing id_token")

// CodeExchanger drives the authorization code grant against the provider.
type CodeExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

type oauth2Exchanger struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuth2Exchanger builds a CodeExchanger for the provider at baseURL.
func NewOAuth2Exchanger(baseURL, clientID, clientSecret, redirectURL string, httpClient *http.Client) CodeExchanger {
	return &oauth2Exchanger{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  baseURL + "/authorize",
				TokenURL: baseURL + "/oauth/token",
			},
		},
		httpClient: httpClient,
	}
}

func (e *oauth2Exchanger) AuthCodeURL(state string) string {
	return e.config.AuthCodeURL(state)
}

// Exchange trades code for tokens and returns the raw ID token.
func (e *oauth2Exchanger) Exchange(ctx context.Context, code string) (string, error) {
	if e.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	}
	token, err := e.config.Exchange(ctx, code)
	if err != nil {
		return "", err
	}
	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return "", errMissingIDToken
	}
	return idToken, nil
}
