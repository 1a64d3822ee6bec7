// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay is the message synchronization engine between Mattermost and
// Matrix.
//
// Native events from either platform are ingested into canonical records.
// Every canonical write produces a change on the change feed, and the
// dispatcher consumes those changes to send, edit or delete the copy on the
// other platform. Ingestion never talks to the destination platform, so a
// relayed copy can only re-enter the engine through a platform listener,
// where it is recognised and dropped.
package relay
