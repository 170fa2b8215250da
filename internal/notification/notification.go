/*
Copyright 2024 Spartan One Authors.

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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spartanone/spartan/config"
	"github.com/spartanone/spartan/internal/request"
)

func slackMessage(projectName string, err error, at time.Time) map[string]interface{} {
	field := func(text string) map[string]interface{} {
		return map[string]interface{}{
			"type":   "section",
			"fields": []map[string]string{{"type": "mrkdwn", "text": text}},
		}
	}
	return map[string]interface{}{
		"blocks": []interface{}{
			map[string]interface{}{
				"type": "header",
				"text": map[string]interface{}{
					"type":  "plain_text",
					"text":  fmt.Sprintf("Error From %s 🐞", projectName),
					"emoji": true,
				},
			},
			field("*Error:*\n" + err.Error()),
			field("*Time:*\n" + at.Format(time.RFC822)),
		},
	}
}

// SlackNotification posts err to the Slack incoming webhook at webhookURL.
func SlackNotification(ctx context.Context, webhookURL, projectName string, err error) error {
	req, reqErr := request.NewJSONRequest(ctx, http.MethodPost, webhookURL, slackMessage(projectName, err, time.Now()))
	if reqErr != nil {
		return reqErr
	}
	_, callErr := request.Call(nil, req, nil)
	return callErr
}

// NotifyError logs systemError and, when a Slack webhook is configured,
// forwards it there. It does not block the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			return
		}
		if conf.Notification.Slack.WebhookUrl == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := SlackNotification(ctx, conf.Notification.Slack.WebhookUrl, conf.ProjectName, systemError); err != nil {
			logrus.WithError(err).Warn("failed to send slack notification")
		}
	}(systemError)
}
