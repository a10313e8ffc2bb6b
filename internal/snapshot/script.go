package snapshot

// collectScript reports every candidate node with its geometry and marks it
// with a temporary data-agent-cand attribute for the stamping pass.
const collectScript = `() => {
	const selectors = [
		'button',
		'a[href]',
		'input:not([type="hidden"])',
		'textarea',
		'select',
		'[role="button"]', '[role="link"]', '[role="checkbox"]', '[role="radio"]',
		'[role="tab"]', '[role="menuitem"]', '[role="option"]', '[role="combobox"]',
		'[role="switch"]', '[role="textbox"]', '[role="searchbox"]',
		'[onclick]',
		'[contenteditable=""]', '[contenteditable="true"]',
	];
	for (const el of document.querySelectorAll('[data-agent-cand]')) el.removeAttribute('data-agent-cand');

	const seen = new Set();
	const out = [];
	const limit = 2000;
	for (const sel of selectors) {
		let nodes;
		try { nodes = document.querySelectorAll(sel); } catch (e) { continue; }
		for (const el of nodes) {
			if (seen.has(el)) continue;
			seen.add(el);
			if (out.length >= limit) break;
			const rect = el.getBoundingClientRect();
			const style = window.getComputedStyle(el);
			const hidden = style.display === 'none' || style.visibility === 'hidden' ||
				style.visibility === 'collapse' || Number(style.opacity) === 0;
			const ident = [
				el.id, typeof el.className === 'string' ? el.className : '',
				el.getAttribute('name'), el.getAttribute('aria-label'),
				el.getAttribute('data-testid'), el.getAttribute('data-test-id'),
				el.getAttribute('data-qa'), el.getAttribute('data-cy'),
			].filter(Boolean).join(' ');
			let text = (el.innerText || el.value || el.getAttribute('aria-label') || el.getAttribute('title') || '');
			text = String(text).replace(/\s+/g, ' ').trim().slice(0, 160);
			const cand = out.length;
			el.setAttribute('data-agent-cand', String(cand));
			out.push({
				cand,
				tag: el.tagName.toLowerCase(),
				ident,
				text,
				role: el.getAttribute('role') || '',
				type: el.getAttribute('type') || '',
				href: el.tagName === 'A' ? (el.getAttribute('href') || '') : '',
				placeholder: el.getAttribute('placeholder') || '',
				checked: !!el.checked,
				disabled: !!el.disabled || el.getAttribute('aria-disabled') === 'true',
				hidden,
				x: rect.x, y: rect.y, w: rect.width, h: rect.height,
			});
		}
	}
	return {
		vw: window.innerWidth,
		vh: window.innerHeight,
		scrollY: Math.round(window.scrollY),
		candidates: out,
	};
}`

// stampScript receives [cand, index] pairs, stamps data-agent-idx, removes the
// temporary markers and returns one locator per pair. Locators are tried in
// order: id, test attribute, name, short class selector, quoted text, href,
// placeholder, nth-of-type path. Every candidate but the last is verified to
// match exactly one node.
const stampScript = `(pairs) => {
	for (const el of document.querySelectorAll('[data-agent-idx]')) el.removeAttribute('data-agent-idx');

	const unique = (sel) => {
		try { return document.querySelectorAll(sel).length === 1; } catch (e) { return false; }
	};
	const quote = (v) => String(v).replace(/["\\\n\r]/g, ' ').replace(/\s+/g, ' ').trim();
	const safeIdent = /^[A-Za-z_][A-Za-z0-9_-]*$/;
	const testAttrs = ['data-testid', 'data-test-id', 'data-test', 'data-qa', 'data-cy'];

	// has-text matches a case-insensitive, whitespace-collapsed substring.
	const norm = (v) => String(v).replace(/\s+/g, ' ').trim().toLowerCase();
	const textUnique = (el, tag, text) => {
		const want = norm(text);
		let n = 0;
		for (const other of document.querySelectorAll(tag)) {
			if (norm(other.innerText || '').includes(want)) n++;
			if (n > 1) return false;
		}
		return n === 1;
	};

	const nthPath = (el) => {
		const parts = [];
		let node = el;
		while (node && node.nodeType === 1 && node !== document.body && parts.length < 6) {
			if (node.id && safeIdent.test(node.id) && unique('#' + node.id)) {
				parts.unshift('#' + node.id);
				return parts.join(' > ');
			}
			const tag = node.tagName.toLowerCase();
			let i = 1;
			for (let s = node.previousElementSibling; s; s = s.previousElementSibling) {
				if (s.tagName === node.tagName) i++;
			}
			parts.unshift(tag + ':nth-of-type(' + i + ')');
			node = node.parentElement;
		}
		if (node === document.body) parts.unshift('body');
		return parts.join(' > ');
	};

	const locate = (el) => {
		const tag = el.tagName.toLowerCase();
		if (el.id && safeIdent.test(el.id) && unique('#' + el.id)) return '#' + el.id;
		for (const a of testAttrs) {
			const v = el.getAttribute(a);
			if (v && !/["\\]/.test(v)) {
				const sel = '[' + a + '="' + v + '"]';
				if (unique(sel)) return sel;
			}
		}
		const name = el.getAttribute('name');
		if (name && !/["\\]/.test(name)) {
			const sel = tag + '[name="' + name + '"]';
			if (unique(sel)) return sel;
		}
		const classes = (typeof el.className === 'string' ? el.className : '').split(/\s+/)
			.filter(c => c && safeIdent.test(c) && c.length <= 30 && !/\d{3,}/.test(c)).slice(0, 2);
		if (classes.length) {
			const sel = tag + '.' + classes.join('.');
			if (unique(sel)) return sel;
		}
		const text = quote(el.innerText || '');
		if (text && text.length <= 40 && textUnique(el, tag, text)) {
			return tag + ':has-text("' + text + '")';
		}
		if (tag === 'a') {
			const href = el.getAttribute('href');
			if (href && href.length <= 150 && !/["\\]/.test(href)) {
				const sel = 'a[href="' + href + '"]';
				if (unique(sel)) return sel;
			}
		}
		const ph = el.getAttribute('placeholder');
		if (ph && !/["\\]/.test(ph)) {
			const sel = tag + '[placeholder="' + ph + '"]';
			if (unique(sel)) return sel;
		}
		return nthPath(el);
	};

	const out = [];
	for (const [cand, idx] of pairs) {
		const el = document.querySelector('[data-agent-cand="' + cand + '"]');
		if (!el) { out.push(''); continue; }
		el.setAttribute('data-agent-idx', String(idx));
		let loc = '';
		try { loc = locate(el); } catch (e) { loc = ''; }
		out.push(loc);
	}
	for (const el of document.querySelectorAll('[data-agent-cand]')) el.removeAttribute('data-agent-cand');
	return out;
}`
