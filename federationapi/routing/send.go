// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/fedcore/federationapi/api"
)

const (
	// Per-transaction event limits from the Matrix federation API.
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100

	txnResponseTTL = 10 * time.Minute
)

// ValidateTransactionLimits checks the number of PDUs and EDUs in a
// transaction, PDUs first.
func ValidateTransactionLimits(pduCount, eduCount int) error {
	if pduCount > maxPDUsPerTransaction {
		return fmt.Errorf("transaction PDU count %d exceeds limit of %d", pduCount, maxPDUsPerTransaction)
	}
	if eduCount > maxEDUsPerTransaction {
		return fmt.Errorf("transaction EDU count %d exceeds limit of %d", eduCount, maxEDUsPerTransaction)
	}
	return nil
}

// GenerateTransactionKey returns the key under which the response to a
// transaction is remembered. The NUL separator can appear in neither part.
func GenerateTransactionKey(origin spec.ServerName, txnID gomatrixserverlib.TransactionID) string {
	return string(origin) + "\000" + string(txnID)
}

// Send implements PUT /_matrix/federation/v1/send/{txnID}
func (r *Routes) Send(req *http.Request, fedReq *fclient.FederationRequest, vars map[string]string) util.JSONResponse {
	txnID := gomatrixserverlib.TransactionID(vars["txnID"])
	key := GenerateTransactionKey(fedReq.Origin(), txnID)
	if cached, ok := r.txnResponses.Get(key); ok {
		return jsonOK(cached)
	}

	var txn api.Transaction
	if err := json.Unmarshal(fedReq.Content(), &txn); err != nil {
		return badJSON("The request body could not be decoded into valid JSON. " + err.Error())
	}
	if err := ValidateTransactionLimits(len(txn.PDUs), len(txn.EDUs)); err != nil {
		return badJSON(err.Error())
	}
	// The origin in the body is only trusted if it matches the signed one.
	txn.Origin = fedReq.Origin()
	txn.TransactionID = string(txnID)
	txn.Destination = r.cfg.Matrix.ServerName

	log := util.GetLogger(req.Context()).WithFields(logrus.Fields{
		"txn_id":        txnID,
		"processing_id": uuid.NewString(),
		"pdus":          len(txn.PDUs),
		"edus":          len(txn.EDUs),
	})

	var resp *api.RespSend
	err := r.txnQueue.Process(req.Context(), txn.Origin, func(ctx context.Context) error {
		// A retry of this transaction may have been processed while we
		// were waiting for the origin's previous transaction.
		if cached, ok := r.txnResponses.Get(key); ok {
			resp = cached.(*api.RespSend)
			return nil
		}
		var err error
		start := time.Now()
		resp, err = r.serverAPI.OnIncomingTransaction(ctx, &txn)
		if err != nil {
			return err
		}
		log.WithField("duration", time.Since(start)).Debug("Processed transaction")
		r.txnResponses.Set(key, resp, txnResponseTTL)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to process transaction")
		return errorResponse(req, err)
	}
	return jsonOK(resp)
}
